// SPDX-License-Identifier: LGPL-3.0-or-later

package worker

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"guestkit/jobproto"
	"guestkit/logger"
)

// Transport implements fetch_next/ack/nack over a jobs directory,
// moving files between jobs_dir, an in-flight subdirectory, and
// done/failed on completion. Atomic rename provides at-most-one
// consumer per job file.
//
// The fsnotify event loop, debounce map, and Create/Write/Remove
// dispatch are adapted from the teacher's providers/plugin.Watcher,
// repurposed from loading .so plugins to moving job documents between
// lifecycle directories.
type Transport struct {
	jobsDir    string
	inFlight   string
	doneDir    string
	failedDir  string
	log        logger.Logger
	fsWatcher  *fsnotify.Watcher
	pending    chan string
	stopChan   chan struct{}
}

// NewTransport creates the jobs/in-flight/done/failed directory tree
// under root (creating any that don't exist) and begins watching root
// for new job documents.
func NewTransport(root string, log logger.Logger) (*Transport, error) {
	t := &Transport{
		jobsDir:   root,
		inFlight:  filepath.Join(root, "in-flight"),
		doneDir:   filepath.Join(root, "done"),
		failedDir: filepath.Join(root, "failed"),
		log:       log.With("jobs_dir", root),
		pending:   make(chan string, 64),
		stopChan:  make(chan struct{}),
	}

	for _, dir := range []string{t.jobsDir, t.inFlight, t.doneDir, t.failedDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsWatcher.Add(t.jobsDir); err != nil {
		fsWatcher.Close()
		return nil, err
	}
	t.fsWatcher = fsWatcher

	go t.eventLoop()
	return t, nil
}

func (t *Transport) eventLoop() {
	debounce := make(map[string]time.Time)
	debounceDuration := 200 * time.Millisecond

	for {
		select {
		case <-t.stopChan:
			return
		case event, ok := <-t.fsWatcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, ".json") {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}

			now := time.Now()
			if last, exists := debounce[event.Name]; exists && now.Sub(last) < debounceDuration {
				continue
			}
			debounce[event.Name] = now

			select {
			case t.pending <- event.Name:
				UpdateQueueDepth(len(t.pending))
			default:
				t.log.Warn("job transport backlog full, dropping notification", "path", event.Name)
			}
		case err, ok := <-t.fsWatcher.Errors:
			if !ok {
				return
			}
			t.log.Warn("job transport watch error", "error", err)
		}
	}
}

// FetchNext blocks (bounded by ctx) until a job file appears, moves it
// into the in-flight directory by atomic rename, and returns its
// decoded JobDocument along with the in-flight path used by Ack/Nack.
func (t *Transport) FetchNext(ctx context.Context) (*jobproto.JobDocument, string, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, "", ctx.Err()
		case path := <-t.pending:
			UpdateQueueDepth(len(t.pending))
			doc, inFlightPath, err := t.claim(path)
			if err != nil {
				continue
			}
			if doc == nil {
				continue
			}
			return doc, inFlightPath, nil
		}
	}
}

func (t *Transport) claim(path string) (*jobproto.JobDocument, string, error) {
	inFlightPath := filepath.Join(t.inFlight, filepath.Base(path))
	if err := os.Rename(path, inFlightPath); err != nil {
		// Another consumer (or a stale notification) already claimed it.
		return nil, "", err
	}

	data, err := os.ReadFile(inFlightPath)
	if err != nil {
		return nil, "", err
	}

	var doc jobproto.JobDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		_ = os.Rename(inFlightPath, filepath.Join(t.failedDir, filepath.Base(inFlightPath)))
		return nil, "", err
	}
	return &doc, inFlightPath, nil
}

// Ack moves the claimed job file to done/.
func (t *Transport) Ack(inFlightPath string) error {
	return os.Rename(inFlightPath, filepath.Join(t.doneDir, filepath.Base(inFlightPath)))
}

// Nack moves the claimed job file to failed/ and records reason
// alongside it.
func (t *Transport) Nack(inFlightPath, reason string) error {
	dest := filepath.Join(t.failedDir, filepath.Base(inFlightPath))
	if err := os.Rename(inFlightPath, dest); err != nil {
		return err
	}
	return os.WriteFile(dest+".reason", []byte(reason), 0o644)
}

// Submit writes doc as a new job file into the jobs directory.
func (t *Transport) Submit(doc *jobproto.JobDocument) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	tmp := filepath.Join(t.jobsDir, "."+doc.JobID+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(t.jobsDir, doc.JobID+".json"))
}

// Close stops the watcher.
func (t *Transport) Close() error {
	close(t.stopChan)
	return t.fsWatcher.Close()
}
