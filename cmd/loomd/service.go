package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/Comcast/loom/core"
	"github.com/Comcast/loom/engine"
	"github.com/Comcast/loom/tools"

	"github.com/jsccast/yaml"
	"go.uber.org/zap"
)

// Service wraps an Engine with the parts the transports share: the
// specs directory and the announcement fan-out.
type Service struct {
	eng     *engine.Engine
	specDir string
	logger  *zap.Logger

	mu    sync.Mutex
	sinks []chan *core.Event
}

func NewService(eng *engine.Engine, specDir string, logger *zap.Logger) *Service {
	return &Service{
		eng:     eng,
		specDir: specDir,
		logger:  logger,
	}
}

// AddSink registers a channel that will receive engine announcements.
// A sink that falls behind misses events; the durable log is the
// record.
func (s *Service) AddSink(c chan *core.Event) {
	s.mu.Lock()
	s.sinks = append(s.sinks, c)
	s.mu.Unlock()
}

func (s *Service) RemoveSink(c chan *core.Event) {
	s.mu.Lock()
	for i, sink := range s.sinks {
		if sink == c {
			s.sinks = append(s.sinks[:i], s.sinks[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
}

// run pumps engine announcements to the sinks.
func (s *Service) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.eng.Announcements():
			if ev == nil {
				return
			}
			s.mu.Lock()
			for _, sink := range s.sinks {
				select {
				case sink <- ev:
				default:
					s.logger.Warn("announcement sink blocked",
						zap.String("kind", string(ev.Kind)),
						zap.String("caseId", ev.CaseID))
				}
			}
			s.mu.Unlock()
		}
	}
}

// LoadSpecs reads every .yaml file in the specs directory and
// registers the specifications.  A missing directory isn't an error;
// it just means no specifications (yet).
func (s *Service) LoadSpecs(ctx context.Context) error {
	entries, err := os.ReadDir(s.specDir)
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Warn("no specs directory", zap.String("dir", s.specDir))
			return nil
		}
		return err
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			continue
		}
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}
		spec, err := ReadSpec(filepath.Join(s.specDir, name))
		if err != nil {
			return err
		}
		if err = s.eng.AddSpecification(ctx, spec); err != nil {
			return err
		}
	}

	return nil
}

// ReadSpec reads one specification from a YAML file, with
// tools.Inline()ing so files can share predicates and docs.
func ReadSpec(filename string) (*core.Specification, error) {
	bs, err := tools.ReadFileWithInlines(filename)
	if err != nil {
		return nil, err
	}
	var spec core.Specification
	if err = yaml.Unmarshal(bs, &spec); err != nil {
		return nil, err
	}
	return &spec, nil
}
