package examination

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/pedicare/pedicare/internal/platform/auth"
)

// Sweeper periodically returns examinations with lapsed claim leases to
// WAITING. It is the safety net for exam-room screens that die without
// releasing their claim.
type Sweeper struct {
	svc  *Service
	log  zerolog.Logger
	spec string
	cron *cron.Cron
}

func NewSweeper(svc *Service, log zerolog.Logger, spec string) *Sweeper {
	return &Sweeper{
		svc:  svc,
		log:  log.With().Str("component", "claim-sweeper").Logger(),
		spec: spec,
	}
}

// Start schedules the sweep. The sweep acts as the system, not as any staff
// member, so it runs under a synthetic wildcard-capability context.
func (s *Sweeper) Start() error {
	s.cron = cron.New()
	if _, err := s.cron.AddFunc(s.spec, s.sweep); err != nil {
		return err
	}
	s.cron.Start()
	s.log.Info().Str("spec", s.spec).Msg("claim sweeper started")
	return nil
}

// Stop halts scheduling and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron == nil {
		return
	}
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info().Msg("claim sweeper stopped")
}

func (s *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	ctx = auth.WithPermissions(ctx, []string{"*"})

	n, err := s.svc.ReleaseExpired(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("sweep failed")
		return
	}
	if n > 0 {
		s.log.Info().Int("released", n).Msg("expired claims released")
	}
}
