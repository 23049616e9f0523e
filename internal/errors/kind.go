// Package errors implements the error taxonomy of spec §4.8: per-domain
// (name, code, http_status) triples with a forward-compatible
// Unknown(code) fallback, plus the shared JSON error response envelope
// of spec §6.
package errors

import "fmt"

// Domain identifies which of the core's six error taxonomies a Kind
// belongs to.
type Domain uint8

const (
	DomainBackend Domain = iota
	DomainGateway
	DomainNode
	DomainRunner
	DomainMega
	DomainLsp
)

func (d Domain) String() string {
	switch d {
	case DomainBackend:
		return "backend"
	case DomainGateway:
		return "gateway"
	case DomainNode:
		return "node"
	case DomainRunner:
		return "runner"
	case DomainMega:
		return "mega"
	case DomainLsp:
		return "lsp"
	default:
		return fmt.Sprintf("domain(%d)", uint8(d))
	}
}

// Kind is a (domain, code) pair. Every combination is a valid Kind:
// codes absent from the registry are the taxonomy's forward-compatible
// Unknown(code) variant rather than a construction error, so
// FromCode/ToCode round-trip over the entire u16 code space as spec
// §4.8 and §8 require.
type Kind struct {
	Domain Domain
	Code   uint16
}

// FromCode builds the Kind a domain assigns to code, known or not.
func FromCode(domain Domain, code uint16) Kind {
	return Kind{Domain: domain, Code: code}
}

// ToCode returns the wire code for k.
func (k Kind) ToCode() uint16 { return k.Code }

type kindInfo struct {
	name       string
	httpStatus int
	message    string
}

// commonKinds are codes 1..8, identical across every domain, per spec
// §4.8 and §7's transport/common list.
var commonKinds = map[uint16]kindInfo{
	1: {"unknown_reqwest", 500, "an unexpected transport error occurred"},
	2: {"building", 500, "failed to build the outgoing request"},
	3: {"connect", 502, "failed to connect to the upstream service"},
	4: {"timeout", 504, "the request timed out"},
	5: {"decode", 502, "failed to decode the upstream response"},
	6: {"server", 500, "an internal server error occurred"},
	7: {"rejection", 400, "the request was rejected"},
	8: {"at_capacity", 503, "the service is at capacity"},
}

// domainKinds are the per-domain extensions beyond the common block.
var domainKinds = map[Domain]map[uint16]kindInfo{
	DomainMega: {
		100: {"wrong_mega_id", 400, "the mega id does not match this host"},
		101: {"runner_unreachable", 503, "the user runner is not accepting requests"},
		102: {"unknown_user", 404, "no running instance for this user"},
	},
	DomainRunner: {
		101: {"runner_unreachable", 503, "the user runner is not accepting requests"},
		102: {"unknown_user", 404, "no running instance for this user"},
		103: {"wrong_lease", 409, "the lease id does not match the held lease"},
		104: {"lease_expired", 410, "the lease has expired"},
	},
	DomainNode: {
		110: {"replay", 409, "the event will be retried"},
		111: {"discard", 422, "the event was permanently discarded"},
		112: {"fail_back_htlcs_their_fault", 402, "the htlc was failed back at this hop"},
		113: {"ignore_and_reclaim", 200, "treated as an idempotent re-claim"},
		114: {"invalid_data", 400, "the submitted data violated a storage invariant"},
		115: {"corruption", 500, "on-disk state violated an invariant"},
	},
	DomainGateway: {
		120: {"bad_attestation", 401, "the enclave measurement did not match the pinned value"},
	},
}

func lookup(domain Domain, code uint16) (kindInfo, bool) {
	if info, ok := commonKinds[code]; ok {
		return info, true
	}
	if m, ok := domainKinds[domain]; ok {
		if info, ok := m[code]; ok {
			return info, true
		}
	}
	return kindInfo{}, false
}

// IsUnknown reports whether k's code is absent from domain's registry.
func (k Kind) IsUnknown() bool {
	_, ok := lookup(k.Domain, k.Code)
	return !ok
}

// Name is the taxonomy's snake_case identifier for k.
func (k Kind) Name() string {
	if info, ok := lookup(k.Domain, k.Code); ok {
		return info.name
	}
	return fmt.Sprintf("unknown_%d", k.Code)
}

// HTTPStatus is the status code the gateway should respond with for k.
func (k Kind) HTTPStatus() int {
	if info, ok := lookup(k.Domain, k.Code); ok {
		return info.httpStatus
	}
	return 500
}

// Message is a short, non-empty, period-free human-readable summary,
// per the property spec §4.8 requires of every kind.
func (k Kind) Message() string {
	if info, ok := lookup(k.Domain, k.Code); ok {
		return info.message
	}
	return fmt.Sprintf("unrecognized error code %d", k.Code)
}

// Named constructors for the kinds components outside this package
// construct directly.
func WrongMegaId() Kind                   { return Kind{DomainMega, 100} }
func RunnerUnreachable(d Domain) Kind     { return Kind{d, 101} }
func UnknownUser(d Domain) Kind           { return Kind{d, 102} }
func WrongLease() Kind                    { return Kind{DomainRunner, 103} }
func LeaseExpired() Kind                  { return Kind{DomainRunner, 104} }
func AtCapacity(d Domain) Kind            { return Kind{d, 8} }
func Replay() Kind                        { return Kind{DomainNode, 110} }
func Discard() Kind                       { return Kind{DomainNode, 111} }
func FailBackHtlcsTheirFault() Kind       { return Kind{DomainNode, 112} }
func IgnoreAndReclaim() Kind              { return Kind{DomainNode, 113} }
func InvalidData() Kind                  { return Kind{DomainNode, 114} }
func Corruption() Kind                    { return Kind{DomainNode, 115} }
func BadAttestation() Kind                { return Kind{DomainGateway, 120} }
func Server(d Domain) Kind                { return Kind{d, 6} }
