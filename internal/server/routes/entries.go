package routes

import (
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gofiber/fiber/v3"

	"github.com/mezcal-hub/mezcal/internal/apperrors"
	"github.com/mezcal-hub/mezcal/internal/cache"
	"github.com/mezcal-hub/mezcal/internal/server"
)

// RegisterEntryRoutes 暴露 /-/store 与 /-/entries 诊断接口，供运维查询缓存目录与条目的落盘位置。
func RegisterEntryRoutes(app *fiber.App, store *cache.Store) {
	if app == nil || store == nil {
		return
	}

	app.Get("/-/store", func(c fiber.Ctx) error {
		return c.JSON(storePayload{
			Root:   store.Root(),
			Layout: store.Layout().String(),
		})
	})

	app.Get("/-/entries/*", func(c fiber.Ctx) error {
		entry, err := store.Resolve(server.RepoPath(c))
		if err != nil {
			return c.Status(apperrors.HTTPStatus(err)).JSON(apperrors.Response(err))
		}
		return c.JSON(encodeEntry(store, entry))
	})
}

type storePayload struct {
	Root   string `json:"root"`
	Layout string `json:"layout"`
}

type entryPayload struct {
	Path      string     `json:"path"`
	Layout    string     `json:"layout"`
	Directory string     `json:"directory"`
	File      string     `json:"file"`
	LockPath  string     `json:"lock_path"`
	Exists    bool       `json:"exists"`
	SizeBytes int64      `json:"size_bytes,omitempty"`
	Size      string     `json:"size,omitempty"`
	ModTime   *time.Time `json:"modtime,omitempty"`
}

func encodeEntry(store *cache.Store, entry *cache.Entry) entryPayload {
	payload := entryPayload{
		Path:      entry.Path,
		Layout:    store.Layout().String(),
		Directory: entry.Dir,
		File:      entry.FilePath,
		LockPath:  entry.LockPath,
	}
	info, err := os.Stat(entry.FilePath)
	if err != nil || !info.Mode().IsRegular() {
		return payload
	}
	modTime := info.ModTime().UTC()
	payload.Exists = true
	payload.SizeBytes = info.Size()
	payload.Size = humanize.Bytes(uint64(info.Size()))
	payload.ModTime = &modTime
	return payload
}
