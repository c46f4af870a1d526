package directory

import (
	"sort"
	"strings"

	"github.com/factureprojet1/facture1.ma/internal/auth"
	"github.com/factureprojet1/facture1.ma/internal/policy"
)

// Sorted returns a copy of list ordered newest-created first. Records created
// at the same instant are ordered by id, descending.
func Sorted(list []SubUser) []SubUser {
	out := make([]SubUser, len(list))
	copy(out, list)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

// Search keeps records whose name or email contains q, ignoring case.
func Search(list []SubUser, q string) []SubUser {
	q = strings.ToLower(strings.TrimSpace(q))
	if q == "" {
		return list
	}
	var out []SubUser
	for _, u := range list {
		if strings.Contains(strings.ToLower(u.Name), q) || strings.Contains(strings.ToLower(u.Email), q) {
			out = append(out, u)
		}
	}
	return out
}

// Stats summarises a directory for the management screen.
type Stats struct {
	Total     int `json:"total"`
	Active    int `json:"active"`
	Remaining int `json:"remaining"`
}

// Summarize counts records against the user limit.
func Summarize(list []SubUser, max int) Stats {
	st := Stats{Total: len(list)}
	for _, u := range list {
		if u.Status == auth.StatusActive {
			st.Active++
		}
	}
	st.Remaining = policy.Remaining(st.Total, max)
	return st
}
