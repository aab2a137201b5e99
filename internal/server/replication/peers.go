package replication

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/dmitrijs2005/gophsync/internal/logging"
	"github.com/dmitrijs2005/gophsync/internal/protocol"
	"github.com/dmitrijs2005/gophsync/internal/server/auth"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	peerQueue      = 256
	publishTimeout = 5 * time.Second
	tokenValidity  = time.Minute
)

var ErrQueueFull = errors.New("replication queue full")

type remote struct {
	addr   string
	conn   *grpc.ClientConn
	client ReplicationClient
	queue  chan protocol.Change
}

// PeerFanout publishes changes to other instances. Every peer has its own
// queue and sender goroutine so a slow instance never blocks the actor.
type PeerFanout struct {
	instanceID string
	secret     []byte
	logger     logging.Logger
	remotes    []*remote

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func withAccessToken(ctx context.Context, token string) context.Context {
	md, _ := metadata.FromOutgoingContext(ctx)
	md = md.Copy()
	if md == nil {
		md = metadata.MD{}
	}
	md.Set(common.AccessTokenHeaderName, token)
	return metadata.NewOutgoingContext(ctx, md)
}

// DialPeers prepares clients for addrs and starts their senders.
func DialPeers(addrs []string, instanceID, secretKey string, l logging.Logger, opts ...grpc.DialOption) (*PeerFanout, error) {
	if l == nil {
		l = logging.Nop()
	}
	f := &PeerFanout{
		instanceID: instanceID,
		secret:     []byte(secretKey),
		logger:     l.With("module", "replication_peers"),
	}

	dialOpts := append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	for _, addr := range addrs {
		conn, err := grpc.NewClient(addr, dialOpts...)
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("peer %s: %w", addr, err)
		}
		f.remotes = append(f.remotes, &remote{
			addr:   addr,
			conn:   conn,
			client: NewReplicationClient(conn),
			queue:  make(chan protocol.Change, peerQueue),
		})
	}

	for _, r := range f.remotes {
		f.wg.Add(1)
		go func() {
			defer f.wg.Done()
			f.send(r)
		}()
	}
	return f, nil
}

func (f *PeerFanout) send(r *remote) {
	for c := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		err := f.publish(ctx, r, c)
		cancel()
		if err != nil {
			f.logger.Warn(ctx, "replicating change failed",
				"peer", r.addr, "namespace", c.Namespace, "last_sequence", c.LastSequence, "error", err)
		}
	}
}

func (f *PeerFanout) publish(ctx context.Context, r *remote, c protocol.Change) error {
	token, err := auth.GenerateReplicationToken(f.instanceID, f.secret, tokenValidity)
	if err != nil {
		return err
	}
	_, err = r.client.Publish(withAccessToken(ctx, token), wrapperspb.Bytes(protocol.EncodeChange(c)))
	return err
}

// Publish queues c for every peer without blocking.
func (f *PeerFanout) Publish(_ context.Context, c protocol.Change) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return nil
	}

	var errs []error
	for _, r := range f.remotes {
		select {
		case r.queue <- c:
		default:
			errs = append(errs, fmt.Errorf("peer %s: %w", r.addr, ErrQueueFull))
		}
	}
	return errors.Join(errs...)
}

// Close drains the queues and releases the connections.
func (f *PeerFanout) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	for _, r := range f.remotes {
		if r.queue != nil {
			close(r.queue)
		}
	}
	f.mu.Unlock()

	f.wg.Wait()

	var errs []error
	for _, r := range f.remotes {
		if err := r.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Publisher is satisfied by every fanout in this package.
type Publisher interface {
	Publish(ctx context.Context, c protocol.Change) error
}

// Multi publishes to several fanouts and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, c protocol.Change) error {
	var errs []error
	for _, f := range m {
		if err := f.Publish(ctx, c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
