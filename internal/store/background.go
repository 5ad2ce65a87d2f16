package store

// start runs the committer goroutine.
func (s *scheduler) start() {
	if s.done != nil {
		return // already running
	}
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		for {
			j := s.next()
			if j == nil {
				return
			}
			s.process(j)
		}
	}()

	s.log.Debug().Int("max_ops", s.maxOps).Int("max_bytes", s.maxBytes).Dur("commit_delay", s.delay).Msg("started committer")
}

// stop lets the committer drain every queued job and waits for it to
// exit. Writes submitted afterwards fail with ErrClosed.
func (s *scheduler) stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.open != nil {
		s.open.sealed = true
		s.open = nil
	}
	s.cond.Broadcast()
	s.mu.Unlock()

	if s.done != nil {
		<-s.done
	}
	s.log.Debug().Msg("stopped committer")
}
