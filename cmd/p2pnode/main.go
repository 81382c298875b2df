// Command p2pnode is a reference node driving the session layer end
// to end: generate an identity, listen for inbound connections, dial
// a seed list, and keep the connection count inside the configured
// maintenance band while printing a live peers table.
//
// The App/Commands/Flags/Action shape follows cmd/bdlsnode/main.go's
// urfave/cli structure; genkeys becomes genkey (one identity, not a
// quorum), and run wires the handshake/conn/peerpool/maintenance/answerer
// stack instead of a consensus agent.
package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/xtaci/p2pconn/answerer"
	"github.com/xtaci/p2pconn/config"
	pconn "github.com/xtaci/p2pconn/conn"
	"github.com/xtaci/p2pconn/crypto"
	"github.com/xtaci/p2pconn/events"
	"github.com/xtaci/p2pconn/handshake"
	"github.com/xtaci/p2pconn/ioscheduler"
	"github.com/xtaci/p2pconn/maintenance"
	"github.com/xtaci/p2pconn/peerpool"
	"github.com/xtaci/p2pconn/wire"
)

// identityFile is the on-disk JSON form of a crypto.Identity: hex for
// every fixed-size field, so the key file is diffable and greppable.
type identityFile struct {
	PeerID    string `json:"peer_id"`
	PublicKey string `json:"public_key"`
	SecretKey string `json:"secret_key"`
	PoWStamp  string `json:"pow_stamp"`
	Label     string `json:"label"`
}

func saveIdentity(path string, id *crypto.Identity) error {
	f := identityFile{
		PeerID:    hex.EncodeToString(id.PeerID[:]),
		PublicKey: hex.EncodeToString(id.PublicKey[:]),
		SecretKey: hex.EncodeToString(id.SecretKey[:]),
		PoWStamp:  hex.EncodeToString(id.PoWStamp[:]),
		Label:     id.Label,
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()
	enc := json.NewEncoder(file)
	enc.SetIndent("", "\t")
	return enc.Encode(f)
}

func loadIdentity(path string) (*crypto.Identity, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var f identityFile
	if err := json.NewDecoder(file).Decode(&f); err != nil {
		return nil, err
	}

	id := &crypto.Identity{Label: f.Label}
	for _, pair := range []struct {
		src string
		dst []byte
	}{
		{f.PeerID, id.PeerID[:]},
		{f.PublicKey, id.PublicKey[:]},
		{f.SecretKey, id.SecretKey[:]},
		{f.PoWStamp, id.PoWStamp[:]},
	} {
		raw, err := hex.DecodeString(pair.src)
		if err != nil {
			return nil, err
		}
		if len(raw) != len(pair.dst) {
			return nil, fmt.Errorf("p2pnode: malformed identity file %s", path)
		}
		copy(pair.dst, raw)
	}
	return id, nil
}

// noopTriggers never fires: the reference node relies solely on
// maintenance's own idle timer, the same choice maintenance_test.go's
// fakeTriggers makes.
type noopTriggers struct{}

func (noopTriggers) NewPeer() <-chan struct{}            { return nil }
func (noopTriggers) NewPoint() <-chan struct{}           { return nil }
func (noopTriggers) TooFewConnections() <-chan struct{}  { return nil }
func (noopTriggers) TooManyConnections() <-chan struct{} { return nil }

// node bundles the dependencies shared by every inbound/outbound
// connection: the reactor, identity, wire parameters, pool and
// limits, and the one SwapClock maintenance owns.
type node struct {
	identity   *crypto.Identity
	version    wire.Version
	meta       config.StaticMetadata
	powTarget  uint
	listenPort uint16

	scheduler *ioscheduler.Scheduler
	pool      peerpool.Pool
	limits    config.Limits
	sink      events.Sink
	swapClock *maintenance.SwapClock

	swapLinger       time.Duration
	reconnectBackoff time.Duration
}

// dial implements peerpool.ConnectHandler: it opens a TCP connection
// to p, runs the outgoing handshake and accept round trip, and starts
// this session's serve loop before handing the Session back to
// whichever caller (maintenance's try_to_contact, or an answerer's
// swap routine) requested the connection.
func (n *node) dial(p wire.Point) (*pconn.Session, error) {
	addr := net.JoinHostPort(p.Addr, strconv.Itoa(int(p.Port)))
	raw, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	sess, err := n.upgrade(raw, false, p.Addr, p.Port)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// upgrade runs the handshake and accept round trip over an already
// established net.Conn, for both the dial and accept paths.
func (n *node) upgrade(raw net.Conn, incoming bool, remoteAddr string, remoteSocketPort uint16) (*pconn.Session, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	stream := n.scheduler.Register(raw)
	ac, err := handshake.Authenticate(ctx, stream, n.powTarget, incoming, remoteAddr, n.listenPort, remoteSocketPort, n.identity, n.version, n.meta, time.Now)
	if err != nil {
		return nil, err
	}
	sess, err := pconn.Accept(ctx, ac, wire.ProtoEncoding{}, n.limits.InboundQueueBytes, n.limits.OutboundQueueBytes, n.limits.ChunksSize, n.limits.InboundQueueBytesFor)
	if err != nil {
		return nil, err
	}
	n.pool.Register(peerpool.ConnectionInfo{Session: sess, Info: sess.Info()})
	n.pool.MarkConnected(sess.Info().IDPoint)
	go n.serve(sess)
	return sess, nil
}

// serve drains sess's inbound queue for its whole lifetime, routing
// control messages through the matching Answerer and logging any
// application payload it sees; it returns once Read reports the
// connection closed.
func (n *node) serve(sess *pconn.Session) {
	info := sess.Info()
	var a answerer.Answerer
	if info.PrivateNode {
		a = answerer.NewPrivate(info.PeerID, n.sink)
	} else {
		a = answerer.NewDefault(answerer.Config{
			Pool:             n.pool,
			Connect:          peerpool.ConnectHandlerFunc(n.dial),
			SwapClock:        n.swapClock,
			Session:          sess,
			SwapLinger:       n.swapLinger,
			ReconnectBackoff: n.reconnectBackoff,
			Sink:             n.sink,
			Clock:            time.Now,
		})
	}

	defer func() {
		n.pool.Remove(info.PeerID)
		n.pool.MarkDisconnected(info.IDPoint)
	}()

	for {
		_, msg, err := sess.Read(context.Background())
		if err != nil {
			return
		}
		if msg.Kind == wire.KindApplication {
			continue
		}
		answerer.Dispatch(a, msg)
	}
}

// printPeersTable renders the pool's live connections, the one place
// github.com/olekukonko/tablewriter is exercised.
func printPeersTable(pool peerpool.Pool) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"peer id", "address", "incoming", "private"})
	pool.Fold(func(c peerpool.ConnectionInfo) bool {
		table.Append([]string{
			c.Info.PeerID.String(),
			fmt.Sprintf("%s:%d", c.Info.IDPoint.Addr, c.Info.IDPoint.Port),
			strconv.FormatBool(c.Info.Incoming),
			strconv.FormatBool(c.Info.PrivateNode),
		})
		return true
	})
	table.Render()
}

func runNode(c *cli.Context) error {
	id, err := loadIdentity(c.String("key"))
	if err != nil {
		return err
	}

	chunkSize, err := config.ParseByteSize(c.String("chunk-size"))
	if err != nil {
		return err
	}
	limits := config.DefaultLimits()
	limits.ChunksSize = chunkSize
	if err := limits.Validate(); err != nil {
		return err
	}

	bounds, err := config.NewBounds(c.Int("min"), c.Int("expected"), c.Int("max"))
	if err != nil {
		return err
	}

	_, portStr, err := net.SplitHostPort(c.String("listen"))
	if err != nil {
		return err
	}
	listenPort, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return err
	}

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	sink := events.NewZerologSink(logger)

	scheduler, err := ioscheduler.NewScheduler()
	if err != nil {
		return err
	}
	pool := peerpool.NewMemoryPool()

	n := &node{
		identity:         id,
		version:          wire.Version{ChainName: c.String("chain")},
		meta:             config.StaticMetadata{Private: c.Bool("private")},
		powTarget:        uint(c.Uint("pow-target")),
		listenPort:       uint16(listenPort),
		scheduler:        scheduler,
		pool:             pool,
		limits:           limits,
		sink:             sink,
		swapLinger:       c.Duration("swap-linger"),
		reconnectBackoff: c.Duration("reconnect-backoff"),
	}

	m := maintenance.New(maintenance.Config{
		Bounds:                     bounds,
		MaintenanceIdleTime:        c.Duration("maintenance-idle"),
		TimeBetweenLookingForPeers: c.Duration("lookup-idle"),
		SwapLinger:                 c.Duration("swap-linger"),
		ReconnectBackoff:           c.Duration("reconnect-backoff"),
		PrivateMode:                c.Bool("private"),
	}, pool, peerpool.ConnectHandlerFunc(n.dial), noopTriggers{}, nil, sink, time.Now)
	n.swapClock = m.SwapClock()
	m.Start()
	defer m.Stop()

	ln, err := net.Listen("tcp", c.String("listen"))
	if err != nil {
		return err
	}
	logger.Info().Str("addr", ln.Addr().String()).Msg("listening")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			raw, err := ln.Accept()
			if err != nil {
				logger.Error().Err(err).Msg("accept failed, listener stopped")
				return
			}
			host, portStr, err := net.SplitHostPort(raw.RemoteAddr().String())
			if err != nil {
				raw.Close()
				continue
			}
			remotePort, _ := strconv.ParseUint(portStr, 10, 16)
			go func() {
				if _, err := n.upgrade(raw, true, host, uint16(remotePort)); err != nil {
					logger.Warn().Err(err).Str("remote", host).Msg("inbound handshake failed")
				}
			}()
		}
	}()

	for _, addr := range c.StringSlice("peer") {
		host, portStr, err := net.SplitHostPort(addr)
		if err != nil {
			logger.Warn().Err(err).Str("peer", addr).Msg("skipping malformed seed peer")
			continue
		}
		port, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			logger.Warn().Err(err).Str("peer", addr).Msg("skipping malformed seed peer")
			continue
		}
		p := wire.Point{Addr: host, Port: uint16(port)}
		pool.RegisterPoint(p)
		if _, err := n.dial(p); err != nil {
			logger.Warn().Err(err).Str("peer", addr).Msg("seed dial failed")
		}
	}

	ticker := time.NewTicker(c.Duration("table-interval"))
	defer ticker.Stop()
	for range ticker.C {
		printPeersTable(pool)
	}
	return nil
}

func main() {
	app := &cli.App{
		Name:                 "p2pnode",
		Usage:                "run or inspect an authenticated p2p session-layer node",
		EnableBashCompletion: true,
		Commands: []*cli.Command{
			{
				Name:  "genkey",
				Usage: "generate an identity and its proof-of-work stamp",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "out", Value: "identity.json", Usage: "output identity file"},
					&cli.UintFlag{Name: "pow-target", Value: 0, Usage: "leading-zero-bit difficulty to mine"},
					&cli.StringFlag{Name: "label", Value: "", Usage: "free-form label stored alongside the key, log-only"},
				},
				Action: func(c *cli.Context) error {
					id, err := crypto.GenerateIdentity(uint(c.Uint("pow-target")), c.String("label"))
					if err != nil {
						return err
					}
					if err := saveIdentity(c.String("out"), id); err != nil {
						return err
					}
					fmt.Println("generated identity", id.PeerID.String(), "->", c.String("out"))
					return nil
				},
			},
			{
				Name:  "run",
				Usage: "listen, dial seed peers, and maintain the configured connection band",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "key", Required: true, Usage: "identity file from genkey"},
					&cli.StringFlag{Name: "listen", Value: ":9732", Usage: "local listen address"},
					&cli.StringSliceFlag{Name: "peer", Usage: "seed peer address (host:port), repeatable"},
					&cli.StringFlag{Name: "chain", Value: "p2pconn", Usage: "announced chain name"},
					&cli.IntFlag{Name: "min", Value: 8, Usage: "maintenance bounds: min"},
					&cli.IntFlag{Name: "expected", Value: 50, Usage: "maintenance bounds: expected"},
					&cli.IntFlag{Name: "max", Value: 200, Usage: "maintenance bounds: max"},
					&cli.BoolFlag{Name: "private", Value: false, Usage: "run as a private node"},
					&cli.UintFlag{Name: "pow-target", Value: 0, Usage: "leading-zero-bit difficulty demanded of peers"},
					&cli.StringFlag{Name: "chunk-size", Value: "16KB", Usage: "plaintext chunk size, e.g. 16KB"},
					&cli.DurationFlag{Name: "maintenance-idle", Value: 5 * time.Second, Usage: "maintenance tick interval"},
					&cli.DurationFlag{Name: "lookup-idle", Value: 30 * time.Second, Usage: "time between bootstrap lookups"},
					&cli.DurationFlag{Name: "swap-linger", Value: 5 * time.Minute, Usage: "minimum gap between accepted swaps"},
					&cli.DurationFlag{Name: "reconnect-backoff", Value: 30 * time.Second, Usage: "backoff applied after a failed dial"},
					&cli.DurationFlag{Name: "table-interval", Value: 15 * time.Second, Usage: "how often to print the peers table"},
				},
				Action: runNode,
			},
		},
		Action: func(c *cli.Context) error {
			cli.ShowAppHelp(c)
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
