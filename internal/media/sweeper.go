package media

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nusatech/whatsapp-agent-gateway/internal/logger"
)

const sweepSchedule = "@every 30m"

// maxPreviewAge is how long staged previews are kept before the sweeper
// removes them.
const maxPreviewAge = 24 * time.Hour

// Sweeper periodically deletes stale preview files from the temp dir.
type Sweeper struct {
	dir  string
	cron *cron.Cron
	log  *logger.Logger
}

func NewSweeper(tempDir string, log *logger.Logger) (*Sweeper, error) {
	s := &Sweeper{
		dir:  tempDir,
		cron: cron.New(),
		log:  log.WithComponent("media-sweeper"),
	}
	if _, err := s.cron.AddFunc(sweepSchedule, s.sweep); err != nil {
		return nil, fmt.Errorf("failed to register sweep schedule: %w", err)
	}
	return s, nil
}

func (s *Sweeper) Start() {
	s.cron.Start()
	s.log.Info("media sweeper started", "dir", s.dir, "schedule", sweepSchedule)
}

// Stop halts the schedule and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info("media sweeper stopped")
}

func (s *Sweeper) sweep() {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn("failed to read temp dir", "dir", s.dir, "error", err)
		}
		return
	}

	cutoff := time.Now().Add(-maxPreviewAge)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, entry.Name())); err != nil {
			s.log.Warn("failed to remove stale preview", "file", entry.Name(), "error", err)
			continue
		}
		removed++
	}

	if removed > 0 {
		s.log.Info("removed stale media previews", "count", removed)
	}
}
