package hub

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// WatchCredentials follows the per-session credential store and schedules a
// health check whenever a session's credential file changes underneath us.
// An external process rotating or revoking credentials is picked up without
// waiting for the periodic sweep. Blocks until ctx is done.
func (h *Hub) WatchCredentials(ctx context.Context) error {
	if h.credentialDir == "" {
		return fmt.Errorf("%w: no credential directory configured", ErrInvalidInput)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("credential watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(h.credentialDir); err != nil {
		return fmt.Errorf("watch %s: %w", h.credentialDir, err)
	}
	log.Printf("hub: watching credential dir %s", h.credentialDir)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-h.closed:
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) {
				continue
			}
			key := sessionKeyFromCredFile(event.Name)
			if key == "" {
				continue
			}
			log.Printf("hub: credential change session=%s op=%s", key, event.Op)
			h.ScheduleHealthCheck(key)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("hub: credential watcher: %v", err)
		}
	}
}

func sessionKeyFromCredFile(path string) string {
	base := filepath.Base(path)
	if !strings.HasSuffix(base, ".json") {
		return ""
	}
	return strings.TrimSuffix(base, ".json")
}
