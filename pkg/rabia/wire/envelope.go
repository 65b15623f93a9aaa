package wire

import "fmt"

// Tag is the stable discriminant every wire message kind is agreed to
// carry across the cluster (spec.md section 6).
type Tag string

const (
	TagHello           Tag = "hello"
	TagPing            Tag = "ping"
	TagPong            Tag = "pong"
	TagDiscoverNodes   Tag = "discover-nodes"
	TagDiscoveredNodes Tag = "discovered-nodes"
	TagAddNode         Tag = "add-node"
	TagRemoveNode      Tag = "remove-node"
	TagPropose         Tag = "propose"
	TagState1          Tag = "state1"
	TagState2          Tag = "state2"
	TagDecide          Tag = "decide"
	TagStateRequest    Tag = "state-request"
	TagStateResponse   Tag = "state-response"
)

// Envelope is the single exhaustive dispatch point for the tagged sum
// of protocol messages (spec.md section 9, "Sealed-type polymorphism
// for messages"): a discriminant plus an opaque, already-serialized
// payload. The frame on the wire is always an Envelope; TagOf/New pick
// the discriminant from the concrete Go type, and Decode switches back
// on it exhaustively.
type Envelope struct {
	Tag     Tag
	Payload []byte
}

// TagOf returns the wire tag for a concrete message value, or an error
// if the type is not part of the protocol's tagged sum.
func TagOf(msg interface{}) (Tag, error) {
	switch msg.(type) {
	case Hello, *Hello:
		return TagHello, nil
	case Ping, *Ping:
		return TagPing, nil
	case Pong, *Pong:
		return TagPong, nil
	case DiscoverNodes, *DiscoverNodes:
		return TagDiscoverNodes, nil
	case DiscoveredNodes, *DiscoveredNodes:
		return TagDiscoveredNodes, nil
	case AddNode, *AddNode:
		return TagAddNode, nil
	case RemoveNode, *RemoveNode:
		return TagRemoveNode, nil
	case Propose, *Propose:
		return TagPropose, nil
	case State1, *State1:
		return TagState1, nil
	case State2, *State2:
		return TagState2, nil
	case Decide, *Decide:
		return TagDecide, nil
	case StateRequest, *StateRequest:
		return TagStateRequest, nil
	case StateResponse, *StateResponse:
		return TagStateResponse, nil
	default:
		return "", fmt.Errorf("wire: %T is not a recognized protocol message", msg)
	}
}

// Encode serializes msg into an Envelope ready to be frame-prefixed
// and written to a connection.
func Encode(s Serializer, msg interface{}) (Envelope, error) {
	tag, err := TagOf(msg)
	if err != nil {
		return Envelope{}, err
	}
	payload, err := s.Marshal(msg)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Tag: tag, Payload: payload}, nil
}

// Decode deserializes an Envelope's payload into its concrete message
// type, dispatching exhaustively on the tag.
func Decode(s Serializer, env Envelope) (interface{}, error) {
	var target interface{}
	switch env.Tag {
	case TagHello:
		target = &Hello{}
	case TagPing:
		target = &Ping{}
	case TagPong:
		target = &Pong{}
	case TagDiscoverNodes:
		target = &DiscoverNodes{}
	case TagDiscoveredNodes:
		target = &DiscoveredNodes{}
	case TagAddNode:
		target = &AddNode{}
	case TagRemoveNode:
		target = &RemoveNode{}
	case TagPropose:
		target = &Propose{}
	case TagState1:
		target = &State1{}
	case TagState2:
		target = &State2{}
	case TagDecide:
		target = &Decide{}
	case TagStateRequest:
		target = &StateRequest{}
	case TagStateResponse:
		target = &StateResponse{}
	default:
		return nil, fmt.Errorf("wire: unknown tag %q", env.Tag)
	}

	if err := s.Unmarshal(env.Payload, target); err != nil {
		return nil, err
	}
	return target, nil
}
