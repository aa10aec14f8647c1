package gitsync

import "os"

// rollback removes exactly the unverified state after a rejection. A fresh
// clone leaves no trace at all; a reused copy loses only the candidate ref,
// keeping every previously trusted ref byte-identical. Tags fetched
// alongside stay: they are not reachable from the tracked branch.
func (s *Synchronizer) rollback(t *transportResult) error {
	if t.fresh {
		s.log.Debugf("component %q: rollback: removing fresh clone %s", s.rc.Component, s.rc.Path)
		return os.RemoveAll(s.rc.Path)
	}

	s.log.Debugf("component %q: rollback: dropping %s", s.rc.Component, candidateRef)
	return t.repo.Storer.RemoveReference(candidateRef)
}
