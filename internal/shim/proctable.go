package shim

import (
	"fmt"

	"github.com/hpc/mpir-to-pmix-guide/internal/mpir"
	"github.com/hpc/mpir-to-pmix-guide/internal/pmix"
)

// FetchAndPublish queries the service for the application's process table,
// validates it, mirrors it into the published surface, and fires the
// breakpoint that signals the table may now be read.
// One-shot: a run publishes at most one table, and no partially built
// table is ever visible.
//
// Ranks index the published table: each descriptor lands at the slot its
// reported rank names, not at its position in the response. Ranks must
// form a dense permutation of [0,size); anything sparse, duplicated, or
// out of range is a protocol violation and aborts the run with no table
// published.
func (s *Session) FetchAndPublish() error {
	s.mu.Lock()
	if s.published {
		s.mu.Unlock()
		return fmt.Errorf("process table already published")
	}
	s.mu.Unlock()

	app := s.AppProc()
	infos, err := s.client.Query([]pmix.Query{{
		Keys: []string{pmix.QueryProcTable},
		Qualifiers: []pmix.Info{
			pmix.StringInfo(pmix.KeyNamespace, app.Namespace),
		},
	}})
	if err != nil {
		return fmt.Errorf("querying process table: %w", err)
	}
	if len(infos) == 0 {
		return fmt.Errorf("process table query returned no results")
	}

	info, ok := pmix.FindInfo(infos, pmix.QueryProcTable)
	if !ok {
		return fmt.Errorf("process table query reply is missing the %s key", pmix.QueryProcTable)
	}
	procs, err := info.Value.AsProcInfoArray()
	if err != nil {
		return fmt.Errorf("process table has incorrect data type: %w", err)
	}
	if len(procs) == 0 {
		return fmt.Errorf("process table query returned an empty table")
	}

	size := len(procs)
	table := make([]mpir.ProcDesc, size)
	seen := make([]bool, size)
	for i, pi := range procs {
		rank := int(pi.Proc.Rank)
		if rank < 0 || rank >= size {
			return fmt.Errorf("process table entry %d has rank %d outside [0,%d)", i, rank, size)
		}
		if seen[rank] {
			return fmt.Errorf("process table reports rank %d twice", rank)
		}
		if pi.Hostname == "" || pi.Executable == "" {
			return fmt.Errorf("process table entry for rank %d is missing host or executable", rank)
		}
		seen[rank] = true
		table[rank] = mpir.ProcDesc{
			HostName:       pi.Hostname,
			ExecutableName: pi.Executable,
			PID:            pi.PID,
		}
		s.log.Debug("proctable entry", "rank", rank, "host", pi.Hostname,
			"exec", pi.Executable, "pid", pi.PID, "state", pi.State)
	}

	mpir.Publish(table)
	s.mu.Lock()
	s.published = true
	s.mu.Unlock()
	s.log.Debug("process table published", "size", size)

	// Notify the debugger.
	mpir.Breakpoint()
	return nil
}
