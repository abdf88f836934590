package kafka

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// AuthMechanism is the SASL mechanism used to authenticate against the brokers.
type AuthMechanism string

const (
	AuthNone        AuthMechanism = "NONE"
	AuthPlain       AuthMechanism = "PLAIN"
	AuthScramSHA256 AuthMechanism = "SCRAM-SHA-256"
	AuthScramSHA512 AuthMechanism = "SCRAM-SHA-512"
)

const internalTopicPrefix = "__"

// ParseAuthMechanism normalizes a mechanism name. An empty name means NONE.
func ParseAuthMechanism(s string) (AuthMechanism, error) {
	switch m := AuthMechanism(strings.ToUpper(strings.TrimSpace(s))); m {
	case "", AuthNone:
		return AuthNone, nil
	case AuthPlain, AuthScramSHA256, AuthScramSHA512:
		return m, nil
	default:
		return "", fmt.Errorf("unsupported SASL mechanism: %s", s)
	}
}

// RequiresCredentials reports whether the mechanism authenticates with a
// username and password.
func (m AuthMechanism) RequiresCredentials() bool {
	return m != "" && m != AuthNone
}

// ConnectionConfig holds the operator-supplied parameters needed to reach a cluster.
type ConnectionConfig struct {
	Addresses     []string      `json:"addresses"`
	AuthMechanism AuthMechanism `json:"authMechanism"`
	Username      string        `json:"username,omitempty"`
	Password      string        `json:"password,omitempty"`
	TLSEnabled    bool          `json:"tlsEnabled"`
}

// Normalize trims addresses and canonicalizes the mechanism name.
func (c ConnectionConfig) Normalize() (ConnectionConfig, error) {
	mech, err := ParseAuthMechanism(string(c.AuthMechanism))
	if err != nil {
		return c, err
	}

	addrs := make([]string, 0, len(c.Addresses))
	for _, addr := range c.Addresses {
		for _, part := range strings.Split(addr, ",") {
			if part = strings.TrimSpace(part); part != "" {
				addrs = append(addrs, part)
			}
		}
	}

	c.Addresses = addrs
	c.AuthMechanism = mech
	c.Username = strings.TrimSpace(c.Username)
	return c, nil
}

// Validate checks the invariants of a normalized config.
func (c ConnectionConfig) Validate() error {
	if len(c.Addresses) == 0 {
		return errors.New("at least one broker address is required")
	}
	for _, addr := range c.Addresses {
		host, port, err := net.SplitHostPort(addr)
		if err != nil || host == "" || port == "" {
			return fmt.Errorf("invalid broker address %q (expected host:port)", addr)
		}
	}

	if c.AuthMechanism.RequiresCredentials() {
		if c.Username == "" || c.Password == "" {
			return fmt.Errorf("auth mechanism %s requires both username and password", c.AuthMechanism)
		}
		return nil
	}
	if c.Username != "" || c.Password != "" {
		return errors.New("username and password are only accepted with a SASL auth mechanism")
	}
	return nil
}

// WithoutPassword returns a copy that is safe to embed in a token or a log line.
func (c ConnectionConfig) WithoutPassword() ConnectionConfig {
	c.Addresses = append([]string(nil), c.Addresses...)
	c.Password = ""
	return c
}

// PartitionMetadata describes one partition of a topic.
type PartitionMetadata struct {
	ID       int32
	Leader   int32
	Replicas []int32
}

// TopicMetadata contains the partition layout of a topic, ordered by partition id.
type TopicMetadata struct {
	Name       string
	Partitions []PartitionMetadata
}

// GroupMember is a member of a consumer group as reported by DescribeGroups.
type GroupMember struct {
	MemberID    string
	ClientID    string
	MetadataRaw []byte // join metadata in its wire encoding
}

// ConsumerGroup contains metadata about a Kafka consumer group
type ConsumerGroup struct {
	GroupID      string
	ProtocolType string // "consumer" for regular consumers, "connect" for Connect workers
	State        string
	Members      []GroupMember
}

// Record is a single fetched record.
type Record struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Timestamp time.Time
}

// IsInternalTopic reports whether name follows the broker's internal topic convention.
func IsInternalTopic(name string) bool {
	return strings.HasPrefix(name, internalTopicPrefix)
}
