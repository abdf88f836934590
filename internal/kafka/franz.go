package kafka

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl/plain"
	"github.com/twmb/franz-go/pkg/sasl/scram"
	"golang.org/x/time/rate"
)

const (
	DefaultClientID     = "kafkarelay"
	DefaultQueryTimeout = 10 * time.Second
	DefaultLeaveTimeout = 5 * time.Second
)

// TLSFiles points at PEM files on the relay host used for every broker
// connection that has TLS enabled.
type TLSFiles struct {
	CAFile   string
	CertFile string
	KeyFile  string
}

// Options are server-side settings shared by every connection the relay opens.
type Options struct {
	ClientID        string
	QueryTimeout    time.Duration
	LeaveTimeout    time.Duration
	IncludeInternal bool
	// MetadataRate caps per-topic metadata requests of one admin handle.
	// Zero disables the limit.
	MetadataRate rate.Limit
	TLS          TLSFiles
}

// Franz implements Client on top of franz-go.
type Franz struct {
	opts Options
}

// NewFranz creates a broker client adapter with the given options.
func NewFranz(opts Options) *Franz {
	if opts.ClientID == "" {
		opts.ClientID = DefaultClientID
	}
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = DefaultQueryTimeout
	}
	if opts.LeaveTimeout <= 0 {
		opts.LeaveTimeout = DefaultLeaveTimeout
	}
	return &Franz{opts: opts}
}

// ConnectAdmin opens a metadata connection and verifies the brokers answer.
func (f *Franz) ConnectAdmin(ctx context.Context, cfg ConnectionConfig) (Admin, error) {
	client, err := f.dial(ctx, cfg)
	if err != nil {
		return nil, err
	}

	a := &franzAdmin{
		client:          client,
		admin:           kadm.NewClient(client),
		includeInternal: f.opts.IncludeInternal,
	}
	if f.opts.MetadataRate > 0 {
		a.limiter = rate.NewLimiter(f.opts.MetadataRate, 1)
	}
	return a, nil
}

// CreateConsumer opens a group consumer for topic that starts at the end of the log.
func (f *Franz) CreateConsumer(ctx context.Context, cfg ConnectionConfig, topic, groupID string) (Consumer, error) {
	client, err := f.dial(ctx, cfg,
		kgo.ConsumerGroup(groupID),
		kgo.ConsumeTopics(topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
		kgo.DisableAutoCommit(),
	)
	if err != nil {
		return nil, err
	}

	return &franzConsumer{
		client:       client,
		admin:        kadm.NewClient(client),
		group:        groupID,
		leaveTimeout: f.opts.LeaveTimeout,
	}, nil
}

func (f *Franz) dial(ctx context.Context, cfg ConnectionConfig, extra ...kgo.Opt) (*kgo.Client, error) {
	opts, err := f.clientOpts(cfg)
	if err != nil {
		return nil, &ConnectError{Addresses: cfg.Addresses, Err: err}
	}
	opts = append(opts, extra...)

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, &ConnectError{Addresses: cfg.Addresses, Err: fmt.Errorf("create client: %w", err)}
	}

	pingCtx, cancel := context.WithTimeout(ctx, f.opts.QueryTimeout)
	defer cancel()

	if err := withRetry(pingCtx, "ping broker", func() error {
		return client.Ping(pingCtx)
	}); err != nil {
		client.Close()
		return nil, &ConnectError{Addresses: cfg.Addresses, Err: err}
	}

	return client, nil
}

func (f *Franz) clientOpts(cfg ConnectionConfig) ([]kgo.Opt, error) {
	if len(cfg.Addresses) == 0 {
		return nil, errors.New("no broker addresses")
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Addresses...),
		kgo.ClientID(f.opts.ClientID),
		kgo.RequestTimeoutOverhead(f.opts.QueryTimeout),
	}

	if cfg.AuthMechanism.RequiresCredentials() {
		saslOpt, err := buildSASL(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to configure SASL: %w", err)
		}
		opts = append(opts, saslOpt)
	}

	// Server-side PEM files only apply to connections that asked for TLS.
	if cfg.TLSEnabled {
		tlsConfig, err := buildTLS(f.opts.TLS)
		if err != nil {
			return nil, fmt.Errorf("failed to configure TLS: %w", err)
		}
		opts = append(opts, kgo.DialTLSConfig(tlsConfig))
	}

	return opts, nil
}

type franzAdmin struct {
	client          *kgo.Client
	admin           *kadm.Client
	limiter         *rate.Limiter
	includeInternal bool
}

func (a *franzAdmin) ListTopics(ctx context.Context) ([]string, error) {
	var details kadm.TopicDetails
	if err := withRetry(ctx, "list topics", func() error {
		var listErr error
		details, listErr = a.admin.ListTopicsWithInternal(ctx)
		return listErr
	}); err != nil {
		return nil, &FetchError{Op: "list topics", Err: err}
	}

	return visibleTopics(details, a.includeInternal), nil
}

// visibleTopics returns the sorted topic names, dropping topics the broker
// flags as internal or that carry the internal prefix unless includeInternal.
func visibleTopics(details kadm.TopicDetails, includeInternal bool) []string {
	names := make([]string, 0, len(details))
	for name, detail := range details {
		if !includeInternal && (detail.IsInternal || IsInternalTopic(name)) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (a *franzAdmin) FetchTopicMetadata(ctx context.Context, topic string) (TopicMetadata, error) {
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return TopicMetadata{}, &FetchError{Op: "fetch topic metadata", Topic: topic, Err: err}
		}
	}

	var details kadm.TopicDetails
	if err := withRetry(ctx, "fetch topic metadata", func() error {
		var metaErr error
		details, metaErr = a.admin.ListTopics(ctx, topic)
		return metaErr
	}); err != nil {
		return TopicMetadata{}, &FetchError{Op: "fetch topic metadata", Topic: topic, Err: err}
	}

	detail, ok := details[topic]
	if !ok {
		return TopicMetadata{}, &FetchError{Op: "fetch topic metadata", Topic: topic, Err: kerr.UnknownTopicOrPartition}
	}
	if detail.Err != nil {
		return TopicMetadata{}, &FetchError{Op: "fetch topic metadata", Topic: topic, Err: detail.Err}
	}

	meta := TopicMetadata{
		Name:       topic,
		Partitions: make([]PartitionMetadata, 0, len(detail.Partitions)),
	}
	for _, p := range detail.Partitions {
		meta.Partitions = append(meta.Partitions, PartitionMetadata{
			ID:       p.Partition,
			Leader:   p.Leader,
			Replicas: append([]int32(nil), p.Replicas...),
		})
	}
	sort.Slice(meta.Partitions, func(i, j int) bool {
		return meta.Partitions[i].ID < meta.Partitions[j].ID
	})

	return meta, nil
}

func (a *franzAdmin) ListConsumerGroups(ctx context.Context) ([]ConsumerGroup, error) {
	var listed kadm.ListedGroups
	if err := withRetry(ctx, "list consumer groups", func() error {
		var groupErr error
		listed, groupErr = a.admin.ListGroups(ctx)
		return groupErr
	}); err != nil {
		return nil, &FetchError{Op: "list consumer groups", Err: err}
	}

	groupIDs := make([]string, 0, len(listed))
	for groupID := range listed {
		groupIDs = append(groupIDs, groupID)
	}
	if len(groupIDs) == 0 {
		return nil, nil
	}
	sort.Strings(groupIDs)

	described, err := a.admin.DescribeGroups(ctx, groupIDs...)
	if err != nil {
		if len(described) == 0 {
			return nil, &FetchError{Op: "describe consumer groups", Err: err}
		}
		// Some coordinators answered; keep what we have.
		slog.Warn("failed to describe some consumer groups", "error", err, "consumer_group_count", len(groupIDs))
	}

	groups := make([]ConsumerGroup, 0, len(described))
	for _, d := range described.Sorted() {
		if d.Err != nil {
			slog.Debug("skipping consumer group", "group", d.Group, "error", d.Err)
			continue
		}

		group := ConsumerGroup{
			GroupID:      d.Group,
			ProtocolType: d.ProtocolType,
			State:        d.State,
			Members:      make([]GroupMember, 0, len(d.Members)),
		}
		for _, m := range d.Members {
			group.Members = append(group.Members, GroupMember{
				MemberID:    m.MemberID,
				ClientID:    m.ClientID,
				MetadataRaw: joinMetadataRaw(m.Join),
			})
		}
		groups = append(groups, group)
	}

	return groups, nil
}

func (a *franzAdmin) Close() {
	if a.client != nil {
		a.client.Close()
	}
}

// joinMetadataRaw re-encodes the member's JoinGroup metadata so callers can
// inspect it the same way regardless of whether kadm decoded it.
func joinMetadataRaw(meta kadm.GroupMemberMetadata) []byte {
	if consumer, ok := meta.AsConsumer(); ok {
		return consumer.AppendTo(nil)
	}
	if raw, ok := meta.Raw(); ok {
		return raw
	}
	return nil
}

type franzConsumer struct {
	client       *kgo.Client
	admin        *kadm.Client
	group        string
	leaveTimeout time.Duration
}

func (c *franzConsumer) Subscribe(ctx context.Context, topic string) error {
	details, err := c.admin.ListTopics(ctx, topic)
	if err != nil {
		return &FetchError{Op: "subscribe", Topic: topic, Err: err}
	}

	detail, ok := details[topic]
	if !ok {
		return &FetchError{Op: "subscribe", Topic: topic, Err: kerr.UnknownTopicOrPartition}
	}
	if detail.Err != nil {
		return &FetchError{Op: "subscribe", Topic: topic, Err: detail.Err}
	}
	return nil
}

func (c *franzConsumer) Run(ctx context.Context, onRecord func(Record)) error {
	for {
		fetches := c.client.PollFetches(ctx)
		if ctx.Err() != nil || fetches.IsClientClosed() {
			return nil
		}

		var fatal error
		fetches.EachError(func(topic string, partition int32, err error) {
			if errors.Is(err, context.Canceled) {
				return
			}
			if isAuthError(err) {
				if fatal == nil {
					fatal = &FetchError{Op: "consume", Topic: topic, Err: err}
				}
				return
			}
			slog.Warn("fetch error",
				"topic", topic,
				"partition", partition,
				"group", c.group,
				"error", err,
			)
		})
		if fatal != nil {
			return fatal
		}

		// Record slices are only valid for the duration of the callback.
		fetches.EachRecord(func(r *kgo.Record) {
			onRecord(Record{
				Topic:     r.Topic,
				Partition: r.Partition,
				Offset:    r.Offset,
				Key:       r.Key,
				Value:     r.Value,
				Timestamp: r.Timestamp,
			})
		})
	}
}

func (c *franzConsumer) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), c.leaveTimeout)
	defer cancel()

	if err := c.client.LeaveGroupContext(ctx); err != nil {
		slog.Debug("leave consumer group", "group", c.group, "error", err)
	}
	c.client.Close()
}

// buildSASL creates SASL authentication options based on the mechanism
func buildSASL(cfg ConnectionConfig) (kgo.Opt, error) {
	mech, err := ParseAuthMechanism(string(cfg.AuthMechanism))
	if err != nil {
		return nil, err
	}

	switch mech {
	case AuthPlain:
		return kgo.SASL(plain.Auth{
			User: cfg.Username,
			Pass: cfg.Password,
		}.AsMechanism()), nil

	case AuthScramSHA256:
		return kgo.SASL(scram.Auth{
			User: cfg.Username,
			Pass: cfg.Password,
		}.AsSha256Mechanism()), nil

	case AuthScramSHA512:
		return kgo.SASL(scram.Auth{
			User: cfg.Username,
			Pass: cfg.Password,
		}.AsSha512Mechanism()), nil

	default:
		return nil, fmt.Errorf("unsupported SASL mechanism: %s", cfg.AuthMechanism)
	}
}

// buildTLS creates TLS configuration from the provided cert files
func buildTLS(files TLSFiles) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}

	if files.CertFile != "" && files.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(files.CertFile, files.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	if files.CAFile != "" {
		caCert, err := os.ReadFile(files.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}

		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsConfig.RootCAs = caCertPool
	}

	return tlsConfig, nil
}
