package ist

import (
	"fmt"
	"strconv"
	"strings"
)

// Request is the printable IST sub-request carried inside a v1 StateRequest's
// IST payload: state_uuid:last_applied:group_seqno:peer_listen_addr. The
// peer address is taken as everything after the third separator so a
// host:port value embedded in it is never mis-split.
type Request struct {
	StateUUID   UUID
	LastApplied Seqno
	GroupSeqno  Seqno
	Peer        string
}

// String serializes the request in wire order.
func (r Request) String() string {
	return fmt.Sprintf("%s:%d:%d:%s", r.StateUUID, r.LastApplied, r.GroupSeqno, r.Peer)
}

// ParseRequest parses the colon-separated IST sub-request text.
func ParseRequest(s string) (Request, error) {
	parts := strings.SplitN(s, ":", 4)
	if len(parts) != 4 {
		return Request{}, fmt.Errorf("ist: malformed IST request %q", s)
	}

	uuid, err := ParseUUID(parts[0])
	if err != nil {
		return Request{}, err
	}
	lastApplied, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return Request{}, fmt.Errorf("ist: malformed last_applied in %q: %w", s, err)
	}
	groupSeqno, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return Request{}, fmt.Errorf("ist: malformed group_seqno in %q: %w", s, err)
	}

	return Request{
		StateUUID:   uuid,
		LastApplied: Seqno(lastApplied),
		GroupSeqno:  Seqno(groupSeqno),
		Peer:        parts[3],
	}, nil
}
