package api

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// ProcessStats снимок состояния процесса для /api/server.
type ProcessStats struct {
	Uptime        string  `json:"uptime"`
	UptimeSeconds int64   `json:"uptime_seconds"`
	RSSMB         float64 `json:"rss_mb"`
	HeapMB        float64 `json:"heap_mb"`
	CPUPercent    float64 `json:"cpu_percent"`
	Goroutines    int     `json:"goroutines"`
	NumGC         uint32  `json:"num_gc"`
}

// ProcessProbe собирает ProcessStats. Дескриптор gopsutil создаётся один
// раз; если он недоступен, RSS заменяется heap из runtime, а CPU нулём.
type ProcessProbe struct {
	started time.Time
	proc    *process.Process
}

func NewProcessProbe() *ProcessProbe {
	p := &ProcessProbe{started: time.Now()}
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		p.proc = proc
	}
	return p
}

// Snapshot возвращает текущие показатели.
func (p *ProcessProbe) Snapshot() ProcessStats {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	up := time.Since(p.started)
	st := ProcessStats{
		Uptime:        formatUptime(up),
		UptimeSeconds: int64(up.Seconds()),
		HeapMB:        toMB(ms.HeapAlloc),
		RSSMB:         toMB(ms.HeapAlloc),
		Goroutines:    runtime.NumGoroutine(),
		NumGC:         ms.NumGC,
	}
	if p.proc == nil {
		return st
	}
	if mi, err := p.proc.MemoryInfo(); err == nil {
		st.RSSMB = toMB(mi.RSS)
	}
	if cpu, err := p.proc.CPUPercent(); err == nil {
		st.CPUPercent = cpu
	}
	return st
}

func toMB(b uint64) float64 {
	return float64(b) / 1024 / 1024
}

func formatUptime(d time.Duration) string {
	total := int(d.Seconds())
	days, rest := total/86400, total%86400
	hours, rest := rest/3600, rest%3600
	minutes, seconds := rest/60, rest%60

	switch {
	case days > 0:
		return fmt.Sprintf("%dд %dч %dм %dс", days, hours, minutes, seconds)
	case hours > 0:
		return fmt.Sprintf("%dч %dм %dс", hours, minutes, seconds)
	case minutes > 0:
		return fmt.Sprintf("%dм %dс", minutes, seconds)
	default:
		return fmt.Sprintf("%dс", seconds)
	}
}
