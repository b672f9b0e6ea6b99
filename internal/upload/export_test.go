package upload

import "time"

// SetClock replaces the store's time source.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

// AppendRecordAfterDelete looks the session up, deletes it, then appends
// through the looked-up entry, as a record write racing Delete would.
func (s *Store) AppendRecordAfterDelete(id string, rec Record) (Record, bool) {
	e := s.get(id)
	s.Delete(id)
	return s.appendRecord(e, id, rec)
}

// ReplaceRecordAfterDelete is AppendRecordAfterDelete for ReplaceRecord.
func (s *Store) ReplaceRecordAfterDelete(id string, rec Record) bool {
	e := s.get(id)
	s.Delete(id)
	return s.replaceRecord(e, id, rec)
}
