package guard

import (
	"path"
	"strings"

	"github.com/amiskov/ppid-edge/pkg/session"
)

type RouteClass int

const (
	Public RouteClass = iota
	AdminTree
	PartitionTree
)

func (c RouteClass) Protected() bool {
	return c != Public
}

type Action int

const (
	Allow Action = iota
	RedirectLogin
	RedirectHome
)

// Decision is the guard verdict. ClearSession is set only together with
// RedirectLogin so a stale cookie can't cause a redirect loop.
type Decision struct {
	Action       Action
	Target       string
	ClearSession bool
}

const SessionExpiredLogin = "/login?error=session_expired"

// Rules describes the two protected trees. Users without a partition key
// belong to the admin tree, users with one to the partition tree.
type Rules struct {
	AdminPrefix     string
	AdminHome       string
	PartitionPrefix string
	PartitionHome   string
	LoginURL        string
}

func DefaultRules() Rules {
	return Rules{
		AdminPrefix:     "/admin",
		AdminHome:       "/admin/dashboard",
		PartitionPrefix: "/opd",
		PartitionHome:   "/opd/dashboard",
		LoginURL:        SessionExpiredLogin,
	}
}

// Classify matches whole path segments on the cleaned path, so `/admin`
// and `/admin/x` are protected but `/administrator` is not.
func (r Rules) Classify(p string) RouteClass {
	p = cleanPath(p)
	switch {
	case underPrefix(p, r.AdminPrefix):
		return AdminTree
	case underPrefix(p, r.PartitionPrefix):
		return PartitionTree
	default:
		return Public
	}
}

// Decide is pure and total: every input yields exactly one decision.
func (r Rules) Decide(p string, s *session.Session) Decision {
	class := r.Classify(p)
	if !class.Protected() {
		return Decision{Action: Allow}
	}

	if s == nil || s.User == nil {
		return Decision{Action: RedirectLogin, Target: r.LoginURL, ClearSession: true}
	}

	inPartition := s.User.InPartition()
	switch {
	case class == AdminTree && inPartition:
		return Decision{Action: RedirectHome, Target: r.PartitionHome}
	case class == PartitionTree && !inPartition:
		return Decision{Action: RedirectHome, Target: r.AdminHome}
	default:
		return Decision{Action: Allow}
	}
}

// Home returns the landing page for an authenticated user.
func (r Rules) Home(s *session.Session) string {
	if s != nil && s.User.InPartition() {
		return r.PartitionHome
	}
	return r.AdminHome
}

func cleanPath(p string) string {
	if p == "" || p[0] != '/' {
		p = "/" + p
	}
	return path.Clean(p)
}

func underPrefix(p, prefix string) bool {
	if prefix == "" || prefix == "/" {
		return false
	}
	prefix = strings.TrimRight(prefix, "/")
	return p == prefix || strings.HasPrefix(p, prefix+"/")
}
