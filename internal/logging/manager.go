package logging

import (
	"fmt"
	"sort"
	"sync"
)

// Компоненты сервиса, которым нужны отдельные логгеры.
const (
	ComponentWorld   = "world"
	ComponentStorage = "storage"
	ComponentAPI     = "api"
	ComponentCache   = "cache"
	ComponentEvents  = "events"
)

// LoggerManager раздаёт логгеры компонентов. После Configure новые логгеры
// пишут ещё и в свой файл в каталоге логов, а уровень применяется ко всем
// уже выданным.
type LoggerManager struct {
	mu      sync.RWMutex
	loggers map[string]*Logger
	dir     string
	level   LogLevel
}

var (
	globalManager *LoggerManager
	managerOnce   sync.Once
)

func newManager() *LoggerManager {
	return &LoggerManager{loggers: make(map[string]*Logger), level: INFO}
}

// GetLoggerManager возвращает глобальный менеджер логгеров
func GetLoggerManager() *LoggerManager {
	managerOnce.Do(func() {
		globalManager = newManager()
	})
	return globalManager
}

// Configure задаёт каталог файлов и уровень. Пустой dir оставляет только консоль.
func (lm *LoggerManager) Configure(dir string, level LogLevel) {
	lm.mu.Lock()
	lm.dir = dir
	lm.mu.Unlock()
	lm.SetLevelAll(level)
}

// GetLogger возвращает логгер компонента, создавая его при первом обращении.
// Если файл создать не удалось, компонент пишет только в консоль.
func (lm *LoggerManager) GetLogger(component string) *Logger {
	lm.mu.RLock()
	l, ok := lm.loggers[component]
	lm.mu.RUnlock()
	if ok {
		return l
	}

	lm.mu.Lock()
	defer lm.mu.Unlock()
	if l, ok := lm.loggers[component]; ok {
		return l
	}

	l = NewLogger(component)
	if lm.dir != "" {
		if fl, err := NewFileLogger(component, lm.dir); err == nil {
			l = fl
		} else {
			Warn("логгер %s без файла: %v", component, err)
		}
	}
	l.SetLevels(lm.level, minLevel(lm.level, DEBUG))
	lm.loggers[component] = l
	return l
}

// SetLevelAll меняет уровень всех выданных логгеров и тех, что будут созданы позже.
func (lm *LoggerManager) SetLevelAll(level LogLevel) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.level = level
	for _, l := range lm.loggers {
		l.SetLevels(level, minLevel(level, DEBUG))
	}
}

// SetLogLevel устанавливает уровень логирования для одного компонента
func (lm *LoggerManager) SetLogLevel(component string, consoleLevel, fileLevel LogLevel) error {
	lm.mu.RLock()
	l, ok := lm.loggers[component]
	lm.mu.RUnlock()
	if !ok {
		return fmt.Errorf("logger for component %s not found", component)
	}
	l.SetLevels(consoleLevel, fileLevel)
	return nil
}

// CloseAll закрывает файлы всех логгеров и забывает их
func (lm *LoggerManager) CloseAll() error {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	var lastErr error
	for component, l := range lm.loggers {
		if err := l.Close(); err != nil {
			lastErr = fmt.Errorf("failed to close logger for %s: %w", component, err)
		}
	}
	lm.loggers = make(map[string]*Logger)
	return lastErr
}

// ListComponents возвращает отсортированный список компонентов
func (lm *LoggerManager) ListComponents() []string {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	out := make([]string, 0, len(lm.loggers))
	for c := range lm.loggers {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

func GetComponentLogger(component string) *Logger {
	return GetLoggerManager().GetLogger(component)
}

func GetWorldLogger() *Logger   { return GetComponentLogger(ComponentWorld) }
func GetStorageLogger() *Logger { return GetComponentLogger(ComponentStorage) }
func GetAPILogger() *Logger     { return GetComponentLogger(ComponentAPI) }
func GetCacheLogger() *Logger   { return GetComponentLogger(ComponentCache) }
