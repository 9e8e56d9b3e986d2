package core

import (
	"errors"
	"fmt"
	"log"
	"os"
)

// ErrSessionNotFound is returned when an operation needs a session that
// has never produced a status record.
var ErrSessionNotFound = errors.New("session not found")

// Facade is the boundary API the thin CLI/HTTP layer consumes. All start
// operations are fire-and-forget; completion is observed by polling
// GetStatus. The status store is authoritative for "is this done" even
// when a process handle has been lost.
type Facade struct {
	PM     *ProcessManager
	Status *StatusStore
}

func NewFacade(pm *ProcessManager, status *StatusStore) *Facade {
	return &Facade{PM: pm, Status: status}
}

func (f *Facade) StartIndexing(chatID string, videoPaths []string) error {
	if len(videoPaths) == 0 {
		return fmt.Errorf("no video paths given")
	}
	return f.PM.StartIndexing(chatID, videoPaths)
}

func (f *Facade) StartQuery(chatID, query string) error {
	if query == "" {
		return fmt.Errorf("empty query")
	}
	return f.PM.StartQuery(chatID, query)
}

// GetStatus returns one channel of the session's status document, or
// ErrSessionNotFound if the channel was never written.
func (f *Facade) GetStatus(chatID, channel string) (map[string]any, error) {
	ch := f.Status.Channel(chatID, channel)
	if ch == nil {
		return nil, ErrSessionNotFound
	}
	return ch, nil
}

func (f *Facade) ListIndexedVideos(chatID string) []string {
	return f.Status.IndexedVideos(chatID)
}

func (f *Facade) Terminate(chatID string) []string {
	return f.PM.Terminate(chatID)
}

// Delete terminates the session's processes and removes its working
// directory, including status, records, indexes, and any scratch caches
// an earlier forced kill may have left behind.
func (f *Facade) Delete(chatID string) error {
	f.PM.Terminate(chatID)
	dir := f.Status.SessionDir(chatID)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove session dir: %w", err)
	}
	log.Printf("deleted session %s", chatID)
	return nil
}
