package tuning

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Watcher re-applies a profile whenever its file changes. The parent
// directory is watched so that editors replacing the file by rename are
// noticed too. A profile that fails to load or apply is logged and the
// previous settings stay in effect.
type Watcher struct {
	path   string
	target Target
	log    *zap.Logger
	w      *fsnotify.Watcher

	overrides []Override

	applied chan *Profile
}

// NewWatcher starts watching path. Run delivers the reloads. The overrides
// are applied on top of every reloaded profile.
func NewWatcher(path string, target Target, log *zap.Logger, overrides ...Override) (*Watcher, error) {
	if log == nil {
		log = zap.NewNop()
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.Wrap(err, "resolve tuning profile path")
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "create profile watcher")
	}

	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return nil, errors.Wrap(err, "watch tuning profile directory")
	}

	return &Watcher{
		path:      abs,
		target:    target,
		log:       log.Named("tuning"),
		w:         w,
		overrides: overrides,
		applied:   make(chan *Profile, 1),
	}, nil
}

// Applied receives each profile after it has been applied. Values are
// dropped when nobody is receiving.
func (fw *Watcher) Applied() <-chan *Profile {
	return fw.applied
}

// Run processes file events until ctx is done or the watcher is closed.
func (fw *Watcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fw.w.Events:
			if !ok {
				return nil
			}

			if filepath.Clean(ev.Name) != fw.path {
				continue
			}

			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}

			fw.reload()
		case err, ok := <-fw.w.Errors:
			if !ok {
				return nil
			}

			fw.log.Warn("profile watcher error", zap.Error(err))
		}
	}
}

func (fw *Watcher) reload() {
	p, err := Load(fw.path)
	if err != nil {
		fw.log.Warn("tuning profile not reloaded", zap.String("path", fw.path), zap.Error(err))
		return
	}

	if err := p.Apply(fw.target, fw.overrides...); err != nil {
		fw.log.Warn("tuning profile not applied", zap.String("path", fw.path), zap.Error(err))
		return
	}

	fw.log.Info("tuning profile applied", zap.String("path", fw.path))

	select {
	case fw.applied <- p:
	default:
	}
}

// Close stops the watcher.
func (fw *Watcher) Close() error {
	return fw.w.Close()
}
