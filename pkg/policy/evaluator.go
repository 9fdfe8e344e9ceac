package policy

import (
	"regexp"
	"strings"

	"github.com/cuemby/cda/pkg/log"
	"github.com/cuemby/cda/pkg/metrics"
	"github.com/cuemby/cda/pkg/types"
)

var (
	operationServiceRe = regexp.MustCompile(`^[A-Za-z]+$`)
	operationActionRe  = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	resourceNameRe     = regexp.MustCompile(`^[A-Za-z0-9_\-/:.*?]+$`)
)

// Request is a single authorize() call: a session id, an
// "service:action" operation, and a "service:type:name" resource.
type Request struct {
	SessionID string
	Operation string
	Resource  string
}

// Evaluator answers authorization requests against the device group
// policy tree compiled by GroupManager.
type Evaluator struct {
	sessions *SessionManager
	groups   *GroupManager
}

// NewEvaluator builds an Evaluator.
func NewEvaluator(sessions *SessionManager, groups *GroupManager) *Evaluator {
	return &Evaluator{sessions: sessions, groups: groups}
}

// Authorize evaluates a single request. ALLOW_ALL and component
// sessions bypass policy entirely; everything else is matched against the
// permissions applicable to the session's device group(s), first match
// wins, with no explicit deny.
func (e *Evaluator) Authorize(req Request) bool {
	outcome := "deny"
	defer func() { metrics.AuthorizationDecisionsTotal.WithLabelValues(outcome).Inc() }()

	session, ok := e.sessions.Get(req.SessionID)
	if !ok {
		outcome = "malformed"
		log.WithEventKey("policy.unknown_session").Error().Msg("authorize called with an unknown session id")
		return false
	}

	if session.ID == types.AllowAllSessionID || session.IsComponent() {
		outcome = "allow"
		return true
	}

	opService, opAction, err := parseOperation(req.Operation)
	if err != nil {
		outcome = "malformed"
		log.WithEventKey("policy.malformed_operation").Error().Err(err).Msg("rejecting malformed operation")
		return false
	}

	resService, resType, resName, err := parseResource(req.Resource)
	if err != nil {
		outcome = "malformed"
		log.WithEventKey("policy.malformed_resource").Error().Err(err).Msg("rejecting malformed resource")
		return false
	}

	if opService != resService {
		outcome = "malformed"
		log.WithEventKey("policy.service_mismatch").Error().Msg("operation and resource services do not match")
		return false
	}

	permissions := e.groups.ApplicablePermissions(session)
	for _, perm := range permissions {
		if !matchPrincipal(perm.Principal, session) {
			continue
		}
		if !matchOperation(perm.Operation, opService, opAction) {
			continue
		}
		resolved := substituteVariables(perm.ResourceTemplate, session.Attr)
		if matchResource(resolved, resService, resType, resName) {
			outcome = "allow"
			return true
		}
	}

	return false
}

func parseOperation(op string) (service, action string, err error) {
	parts := strings.SplitN(op, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errMalformed("operation must be service:action")
	}
	if !operationServiceRe.MatchString(parts[0]) || !operationActionRe.MatchString(parts[1]) {
		return "", "", errMalformed("operation has invalid characters")
	}
	return parts[0], parts[1], nil
}

func parseResource(res string) (service, typ, name string, err error) {
	parts := strings.SplitN(res, ":", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", errMalformed("resource must be service:type:name")
	}
	if !operationServiceRe.MatchString(parts[0]) || !operationActionRe.MatchString(parts[1]) || !resourceNameRe.MatchString(parts[2]) {
		return "", "", "", errMalformed("resource has invalid characters")
	}
	return parts[0], parts[1], parts[2], nil
}

func matchPrincipal(pattern string, session *types.Session) bool {
	if pattern == "*" {
		return true
	}
	if thing := session.Attr("Thing", "ThingName"); thing != "" && thing == pattern {
		return true
	}
	if cert := session.Attr("CertificateId", "CertificateId"); cert != "" && cert == pattern {
		return true
	}
	return false
}

func matchOperation(pattern, service, action string) bool {
	if pattern == "*" {
		return true
	}
	parts := strings.SplitN(pattern, ":", 2)
	if len(parts) != 2 {
		return false
	}
	if parts[0] != service {
		return false
	}
	return parts[1] == "*" || parts[1] == action
}

func matchResource(pattern, service, typ, name string) bool {
	if pattern == "*" {
		return true
	}
	parts := strings.SplitN(pattern, ":", 3)
	if len(parts) != 3 {
		return false
	}
	if parts[0] != service || parts[1] != typ {
		return false
	}
	return matchWildcard(parts[2], name)
}

type malformedError string

func (e malformedError) Error() string { return string(e) }

func errMalformed(msg string) error { return malformedError(msg) }
