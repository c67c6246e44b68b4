package repository

import (
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/prn-tf/alexander-lifecycle/internal/domain"
)

// Dialect adapts generated SQL to a database driver.
type Dialect interface {
	// Placeholder returns the bind placeholder for the n-th (1-based) argument.
	Placeholder(n int) string

	// Time converts a timestamp into the driver's bind value.
	Time(t time.Time) any

	// Bool converts a boolean into the driver's bind value.
	Bool(b bool) any
}

// Where renders the query as a SQL WHERE clause (without the keyword) over the
// node columns, starting placeholders at argOffset+1.
func (q NodeQuery) Where(d Dialect, argOffset int) (string, []any) {
	var (
		conds []string
		args  []any
	)
	bind := func(v any) string {
		args = append(args, v)
		return d.Placeholder(argOffset + len(args))
	}

	if !q.IncludeDeleted {
		conds = append(conds, "deleted_at IS NULL")
	}
	if !q.IncludeFolders {
		conds = append(conds, "folder = "+bind(d.Bool(false)))
	}
	if q.ExcludeSentinel {
		conds = append(conds, "sha256 <> ''", "sha256 <> "+bind(domain.FakeSha256))
	}
	if len(q.ProjectIDs) == 1 {
		conds = append(conds, "project_id = "+bind(q.ProjectIDs[0]))
	} else if len(q.ProjectIDs) > 1 {
		ph := make([]string, len(q.ProjectIDs))
		for i, p := range q.ProjectIDs {
			ph[i] = bind(p)
		}
		conds = append(conds, "project_id IN ("+strings.Join(ph, ", ")+")")
	}
	if q.RepoName != "" {
		conds = append(conds, "repo_name = "+bind(q.RepoName))
	}
	if q.Sha256 != "" {
		conds = append(conds, "sha256 = "+bind(q.Sha256))
	}
	if q.PathPrefix != "" {
		conds = append(conds, "substr(full_path, 1, "+strconv.Itoa(utf8.RuneCountInString(q.PathPrefix))+") = "+bind(q.PathPrefix))
	}
	if q.Archived != nil {
		conds = append(conds, "archived = "+bind(d.Bool(*q.Archived)))
	}
	if q.Compressed != nil {
		conds = append(conds, "compressed = "+bind(d.Bool(*q.Compressed)))
	}
	if q.ArchivedOrCompressed {
		conds = append(conds, "(archived = "+bind(d.Bool(true))+" OR compressed = "+bind(d.Bool(true))+")")
	}
	if q.MinSize > 0 {
		conds = append(conds, "size > "+bind(q.MinSize))
	}
	if q.AccessedBefore != nil {
		before := "last_access_at < " + bind(d.Time(*q.AccessedBefore))
		if q.IncludeNeverAccessed {
			before = "(last_access_at IS NULL OR " + before + ")"
		}
		conds = append(conds, before)
	}
	if q.AccessedFrom != nil {
		conds = append(conds, "last_access_at >= "+bind(d.Time(*q.AccessedFrom)))
	}
	if q.AfterID > 0 {
		conds = append(conds, "id > "+bind(q.AfterID))
	}

	if len(conds) == 0 {
		return "1 = 1", args
	}
	return strings.Join(conds, " AND "), args
}

// Match reports whether a node satisfies the query.
// It is the in-memory counterpart of Where.
func (q NodeQuery) Match(n *domain.Node) bool {
	if !q.IncludeDeleted && n.Deleted != nil {
		return false
	}
	if !q.IncludeFolders && n.Folder {
		return false
	}
	if q.ExcludeSentinel && (n.Sha256 == "" || n.Sha256 == domain.FakeSha256) {
		return false
	}
	if len(q.ProjectIDs) > 0 && !contains(q.ProjectIDs, n.ProjectID) {
		return false
	}
	if q.RepoName != "" && n.RepoName != q.RepoName {
		return false
	}
	if q.Sha256 != "" && n.Sha256 != q.Sha256 {
		return false
	}
	if q.PathPrefix != "" && !strings.HasPrefix(n.FullPath, q.PathPrefix) {
		return false
	}
	if q.Archived != nil && n.Archived != *q.Archived {
		return false
	}
	if q.Compressed != nil && n.Compressed != *q.Compressed {
		return false
	}
	if q.ArchivedOrCompressed && !n.Archived && !n.Compressed {
		return false
	}
	if q.MinSize > 0 && n.Size <= q.MinSize {
		return false
	}
	if q.AccessedBefore != nil {
		if n.LastAccessDate == nil {
			if !q.IncludeNeverAccessed {
				return false
			}
		} else if !n.LastAccessDate.Before(*q.AccessedBefore) {
			return false
		}
	}
	if q.AccessedFrom != nil && !n.AccessedSince(*q.AccessedFrom) {
		return false
	}
	if q.AfterID > 0 && n.ID <= q.AfterID {
		return false
	}
	return true
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Bool returns a pointer to b, for NodeQuery flag filters.
func Bool(b bool) *bool {
	return &b
}

// Time returns a pointer to t, for NodeQuery time filters.
func Time(t time.Time) *time.Time {
	return &t
}
