package task

import "time"

func (s *Service) SetClock(now func() time.Time) { s.now = now }

func (s *Service) SetTailInterval(d time.Duration) { s.tailInterval = d }
