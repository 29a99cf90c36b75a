package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/annel0/tileblend/internal/middleware"
	"github.com/annel0/tileblend/internal/service"
	"github.com/annel0/tileblend/internal/terrain"
	"github.com/annel0/tileblend/internal/terrain/bitmask"
	"github.com/annel0/tileblend/internal/terrain/blob"
	"github.com/annel0/tileblend/internal/vec"
	"github.com/annel0/tileblend/internal/world"
	"github.com/gin-gonic/gin"
)

// maxRegionChunks предел размера области в одном запросе
const maxRegionChunks = 64

// ChunkView чанк в виде, удобном для редактора
type ChunkView struct {
	Coords   vec.Vec2                                            `json:"coords"`
	Mode     world.EditMode                                      `json:"mode"`
	Version  uint64                                              `json:"version"`
	// Tiles и Corners индексируются [x][y]; углы: имена биомов или поверхностей.
	Tiles    [world.ChunkSize][world.ChunkSize]terrain.TerrainID `json:"tiles"`
	Corners  [world.CornerSize][world.CornerSize]string          `json:"corners"`
	Authored [][2]int                                            `json:"authored,omitempty"`
}

func newChunkView(c *world.Chunk) ChunkView {
	c.Mu.RLock()
	defer c.Mu.RUnlock()

	v := ChunkView{Coords: c.Coords, Mode: c.Mode, Version: c.Version, Tiles: c.Tiles}
	for x := 0; x < world.CornerSize; x++ {
		for y := 0; y < world.CornerSize; y++ {
			if c.Mode == world.EditBiome {
				v.Corners[x][y] = terrain.BiomeID(c.Corners[x][y]).String()
			} else {
				v.Corners[x][y] = terrain.TerrainID(c.Corners[x][y]).String()
			}
		}
	}
	for x := 0; x < world.ChunkSize; x++ {
		for y := 0; y < world.ChunkSize; y++ {
			if c.Authored[x][y] {
				v.Authored = append(v.Authored, [2]int{x, y})
			}
		}
	}
	return v
}

// EditRequest правка угла или тайла в мировых координатах
type EditRequest struct {
	X     *int   `json:"x" binding:"required"`
	Y     *int   `json:"y" binding:"required"`
	Value string `json:"value" binding:"required"`
}

func (r EditRequest) pos() vec.Vec2 {
	return vec.Vec2{X: *r.X, Y: *r.Y}
}

// BlobView позиция маски на листе автотайлов
type BlobView struct {
	Raw       bitmask.Mask `json:"raw"`
	Canonical bitmask.Mask `json:"canonical"`
	Col       int          `json:"col"`
	Row       int          `json:"row"`
}

func chunkParam(c *gin.Context) (vec.Vec2, bool) {
	x, errX := strconv.Atoi(c.Param("x"))
	y, errY := strconv.Atoi(c.Param("y"))
	if errX != nil || errY != nil {
		c.JSON(http.StatusBadRequest, GenericResponse{Success: false, Message: "Неверные координаты чанка"})
		return vec.Vec2{}, false
	}
	return vec.Vec2{X: x, Y: y}, true
}

// fail переводит ошибку сервиса в HTTP-статус
func (rs *RestServer) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, world.ErrInvalidValue), errors.Is(err, world.ErrOutOfBounds):
		status = http.StatusBadRequest
	case errors.Is(err, world.ErrChunkNotLoaded):
		status = http.StatusNotFound
	case errors.Is(err, world.ErrModeMismatch):
		status = http.StatusConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		rs.logger.Error("❌ %s %s: %v", c.Request.Method, c.FullPath(), err)
	}
	c.JSON(status, GenericResponse{Success: false, Message: err.Error()})
}

// handleGetChunk состояние чанка
func (rs *RestServer) handleGetChunk(c *gin.Context) {
	coords, ok := chunkParam(c)
	if !ok {
		return
	}
	chunk, err := rs.svc.Chunk(c.Request.Context(), coords)
	if err != nil {
		rs.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, GenericResponse{Success: true, Message: "Чанк", Data: newChunkView(chunk)})
}

// handleGetChunkBlend слои смешивания чанка
func (rs *RestServer) handleGetChunkBlend(c *gin.Context) {
	coords, ok := chunkParam(c)
	if !ok {
		return
	}
	cb, err := rs.svc.ChunkBlend(c.Request.Context(), coords)
	if err != nil {
		rs.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, GenericResponse{Success: true, Message: "Смешивание чанка", Data: cb})
}

// handleGetRegionBlend смешивание прямоугольника чанков ?x0=&y0=&x1=&y1= (включительно)
func (rs *RestServer) handleGetRegionBlend(c *gin.Context) {
	var bounds [4]int
	for i, name := range []string{"x0", "y0", "x1", "y1"} {
		v, err := strconv.Atoi(c.Query(name))
		if err != nil {
			c.JSON(http.StatusBadRequest, GenericResponse{Success: false, Message: "Неверный параметр " + name})
			return
		}
		bounds[i] = v
	}
	x0, y0, x1, y1 := bounds[0], bounds[1], bounds[2], bounds[3]
	// Стороны проверяются по отдельности, иначе произведение переполняет int.
	w, h := x1-x0+1, y1-y0+1
	if x1 < x0 || y1 < y0 || w <= 0 || h <= 0 || w > maxRegionChunks || h > maxRegionChunks || w*h > maxRegionChunks {
		c.JSON(http.StatusBadRequest, GenericResponse{Success: false, Message: "Неверный размер области"})
		return
	}

	coords := make([]vec.Vec2, 0, w*h)
	for y := y0; y <= y1; y++ {
		for x := x0; x <= x1; x++ {
			coords = append(coords, vec.Vec2{X: x, Y: y})
		}
	}
	blends, err := rs.svc.ChunkBlends(c.Request.Context(), coords)
	if err != nil {
		rs.fail(c, err)
		return
	}
	out := make([]*world.ChunkBlend, 0, len(coords))
	for _, cc := range coords {
		out = append(out, blends[cc])
	}
	c.JSON(http.StatusOK, GenericResponse{Success: true, Message: "Смешивание области", Data: out})
}

// handleGetBlob ячейка листа для маски 0..255
func (rs *RestServer) handleGetBlob(c *gin.Context) {
	raw, err := strconv.ParseUint(c.Param("mask"), 10, 8)
	if err != nil {
		c.JSON(http.StatusBadRequest, GenericResponse{Success: false, Message: "Маска должна быть числом 0..255"})
		return
	}
	m := bitmask.Mask(raw)
	col, row := blob.GetSprite(m)
	c.JSON(http.StatusOK, GenericResponse{
		Success: true,
		Message: "Ячейка листа",
		Data:    BlobView{Raw: m, Canonical: bitmask.Canonicalize(m), Col: col, Row: row},
	})
}

// handleGetBlobTable полная раскладка листа
func (rs *RestServer) handleGetBlobTable(c *gin.Context) {
	c.JSON(http.StatusOK, GenericResponse{Success: true, Message: "Раскладка листа", Data: blob.Entries()})
}

// handleGetBlendGraph зарегистрированные пары смешивания
func (rs *RestServer) handleGetBlendGraph(c *gin.Context) {
	c.JSON(http.StatusOK, GenericResponse{
		Success: true,
		Message: "Пары смешивания",
		Data: gin.H{
			"base_mode": rs.svc.BlendOptions().BaseMode,
			"pairs":     rs.svc.Graph().Pairs(),
		},
	})
}

func (rs *RestServer) editMeta(c *gin.Context) service.EditMeta {
	meta := service.EditMeta{CorrelationID: middleware.TraceID(c)}
	if claims := claimsFrom(c); claims != nil {
		meta.Actor = claims.Subject
	}
	return meta
}

// handlePaintCorner рисует биом или поверхность в мировой угол
func (rs *RestServer) handlePaintCorner(c *gin.Context) {
	var req EditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, GenericResponse{Success: false, Message: "Неверный формат запроса: " + err.Error()})
		return
	}
	res, err := rs.svc.PaintCorner(c.Request.Context(), req.pos(), req.Value, rs.editMeta(c))
	if err != nil {
		rs.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, GenericResponse{Success: true, Message: "Угол изменён", Data: res})
}

// handleResetChunk удаляет чанк из памяти и хранилища
func (rs *RestServer) handleResetChunk(c *gin.Context) {
	coords, ok := chunkParam(c)
	if !ok {
		return
	}
	if err := rs.svc.ResetChunk(c.Request.Context(), coords, rs.editMeta(c)); err != nil {
		rs.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, GenericResponse{Success: true, Message: "Чанк сброшен", Data: coords})
}

// handleSetTile задаёт авторскую поверхность тайла
func (rs *RestServer) handleSetTile(c *gin.Context) {
	var req EditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, GenericResponse{Success: false, Message: "Неверный формат запроса: " + err.Error()})
		return
	}
	res, err := rs.svc.SetTile(c.Request.Context(), req.pos(), req.Value, rs.editMeta(c))
	if err != nil {
		rs.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, GenericResponse{Success: true, Message: "Тайл изменён", Data: res})
}
