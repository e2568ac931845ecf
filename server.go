/*
   Copyright (c) 2023, btnmasher
   All rights reserved.
   Use of this source code is governed by a BSD-style
   license that can be found in the LICENSE file.
*/

package relayd

import (
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"

	"github.com/relaynet/relayd/internal/casefold"
	"github.com/relaynet/relayd/internal/history"
	"github.com/relaynet/relayd/internal/ratelimit"
	"github.com/relaynet/relayd/internal/replication"
	"github.com/relaynet/relayd/internal/sasl"
	"github.com/relaynet/relayd/shared/concurrentmap"
)

// KeepAliveTimeout matches the teacher's TCP keepalive period for accepted
// client connections.
const KeepAliveTimeout time.Duration = 2 * time.Minute

// AdminInfo backs the ADMIN command's three reply lines.
type AdminInfo struct {
	Location1 string
	Location2 string
	Email     string
}

// OperCredential is one entry of the operator ("O-line") table OPER checks
// against. Password is whatever comparable secret WithOperators was given;
// core only does a constant-time byte compare, never its own hashing.
type OperCredential struct {
	Name       string
	Password   string
	Permission Permission
}

// Server is the process-wide object tying every component together:
// Matrix, Dispatcher, the SASL registry, rate limiter, history store, and
// the live session table. One Server serves one network-facing listener;
// linking multiple Servers together is the replication layer's job, not
// this one's.
type Server struct {
	name        string
	networkName string
	version     string
	admin       AdminInfo
	motd        []string

	limits   Limits
	casefold casefold.Profile

	log *logrus.Entry

	matrix     *Matrix
	dispatcher *Dispatcher
	sasl       *sasl.Registry
	ratelimit  *ratelimit.Limiter
	history    history.Store
	whowas     *WhowasStore
	services   Services
	observe    Observability
	operators  map[string]OperCredential
	links      *replication.Manager
	linkPeers  []replication.PeerConfig
	remotes    *remoteUsers

	sessions concurrentmap.ConcurrentMap[SessionId, *Session]

	pendingMu         sync.Mutex
	pendingIdentities map[SessionId]sasl.Identity
	certFingerprints  map[SessionId]func() (string, bool)

	startedAt time.Time

	listenAddr string
	tlsConfig  *tls.Config
	listener   net.Listener

	wg       conc.WaitGroup
	stopOnce sync.Once
	stop     chan struct{}

	rehashFn   func()
	shutdownFn func(reason string)
	restartFn  func(reason string)
}

// Option configures a Server at construction time, following the
// functional-options convention rather than a half-built struct literal.
type Option func(*Server)

func WithNetworkName(name string) Option      { return func(s *Server) { s.networkName = name } }
func WithVersion(v string) Option             { return func(s *Server) { s.version = v } }
func WithMOTD(lines []string) Option          { return func(s *Server) { s.motd = lines } }
func WithAdmin(a AdminInfo) Option            { return func(s *Server) { s.admin = a } }
func WithLimits(l Limits) Option              { return func(s *Server) { s.limits = l } }
func WithListenAddr(addr string) Option       { return func(s *Server) { s.listenAddr = addr } }
func WithTLSConfig(cfg *tls.Config) Option    { return func(s *Server) { s.tlsConfig = cfg } }
func WithCasefoldProfile(p casefold.Profile) Option {
	return func(s *Server) { s.casefold = p }
}
func WithCredentials(c sasl.Credentials) Option {
	return func(s *Server) { s.sasl = sasl.NewRegistry(c) }
}
func WithServices(svc Services) Option         { return func(s *Server) { s.services = svc } }
func WithObservability(o Observability) Option {
	return func(s *Server) {
		if o == nil {
			o = noopObservability{}
		}
		s.observe = o
	}
}
func WithHistoryStore(h history.Store) Option  { return func(s *Server) { s.history = h } }
func WithLogger(l *logrus.Logger) Option {
	return func(s *Server) { s.log = logrus.NewEntry(l).WithField("component", "server") }
}
func WithOperators(creds []OperCredential) Option {
	return func(s *Server) {
		for _, c := range creds {
			s.operators[c.Name] = c
		}
	}
}

// WithReplication enables the server-linking layer: peers to burst
// state with on connect or accept. Autoconnect peers are dialed once
// NewServer returns; others only link when HandleReplicationConn is
// given an inbound connection by a Listener collaborator.
func WithReplication(peers []replication.PeerConfig) Option {
	return func(s *Server) { s.linkPeers = peers }
}

// NewServer initializes and returns a new Server, applying opts over the
// defaults in order.
func NewServer(name string, opts ...Option) *Server {
	s := &Server{
		name:              name,
		networkName:       name,
		version:           "relayd-1.0",
		limits:            DefaultLimits(),
		casefold:          casefold.ASCII{},
		log:               logrus.NewEntry(logrus.StandardLogger()).WithField("component", "server"),
		sasl:              sasl.NewRegistry(noopCredentials{}),
		observe:           noopObservability{},
		operators:         make(map[string]OperCredential),
		sessions:          concurrentmap.New[SessionId, *Session](),
		pendingIdentities: make(map[SessionId]sasl.Identity),
		certFingerprints:  make(map[SessionId]func() (string, bool)),
		remotes:           newRemoteUsers(),
		startedAt:         time.Now(),
		stop:              make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.matrix = NewMatrix(ServerId(shortId(name)), s.limits, s.casefold, s.log)
	s.matrix.SetDeliverer(s)

	s.ratelimit = ratelimit.New(s.limits.RateBurst, s.limits.RateSustained)
	s.whowas = NewWhowasStore(s.limits.WhowasDepth, s.matrix.FoldNick)
	if s.history == nil {
		s.history = history.NewRing(500)
	}
	s.dispatcher = NewDispatcher()

	if s.linkPeers != nil {
		secrets := make(map[string]string, len(s.linkPeers))
		for _, p := range s.linkPeers {
			secrets[p.Name] = p.Secret
		}
		s.links = replication.NewManager(s.name, shortId(s.name), secrets, s.log, s)
		for _, p := range s.linkPeers {
			if !p.Autoconnect {
				continue
			}
			peer := p
			s.wg.Go(func() {
				if err := s.links.Connect(peer); err != nil {
					s.log.WithError(err).WithField("peer", peer.Name).Warn("replication link failed")
				}
			})
		}
	}

	return s
}

// FrameReceived and LinkLost implement replication.Delegate; see
// replication_bridge.go, which also holds Burst and the outbound relay
// helpers the handlers call after a local mutation succeeds.

// HandleReplicationConn lets a Listener collaborator hand core an
// inbound S2S connection, the replication-layer analogue of HandleConn.
func (s *Server) HandleReplicationConn(conn net.Conn) {
	if s.links == nil {
		_ = conn.Close()
		return
	}
	s.links.Accept(conn)
}

// LinkedServers lists every server name currently linked, for
// LINKS/MAP output.
func (s *Server) LinkedServers() []string {
	if s.links == nil {
		return nil
	}
	return s.links.Peers()
}

// shortId trims name down to the 3-character alphanumeric ServerId TS6
// addressing expects, padding with '0' if name is shorter.
func shortId(name string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(name) {
		if b.Len() == 3 {
			break
		}
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	for b.Len() < 3 {
		b.WriteByte('0')
	}
	return b.String()
}

// Address returns the server's configured listen address, or the live
// listener's bound address if none was configured up front.
func (s *Server) Address() string {
	if s.listenAddr != "" {
		return s.listenAddr
	}
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

func (s *Server) ISupportLine() string {
	tokens := []string{
		"CASEMAPPING=" + s.matrix.casefold.Name(),
		"CHANTYPES=" + channelTypes,
		"CHANMODES=" + ISupportChanModes(),
		"PREFIX=" + ISupportPrefix(),
		"NICKLEN=" + strconv.Itoa(s.limits.NickLength),
		"CHANNELLEN=" + strconv.Itoa(s.limits.ChannelLength),
		"TOPICLEN=" + strconv.Itoa(s.limits.TopicLength),
		"KICKLEN=" + strconv.Itoa(s.limits.KickLength),
		"AWAYLEN=" + strconv.Itoa(s.limits.AwayLength),
		"MODES=" + strconv.Itoa(s.limits.MaxModeChange),
		"MAXTARGETS=" + strconv.Itoa(s.limits.MaxTargets),
		"MONITOR=" + strconv.Itoa(s.limits.MaxMonitor),
		"STATUSMSG=~&@%+",
		"EXCEPTS=e",
		"INVEX=I",
		"ELIST=CMNTU",
		"NETWORK=" + s.networkName,
		"CHARSET=utf-8",
	}
	return strings.Join(tokens, " ")
}

// --- Listener lifecycle ---

// ListenAndServe listens on the TCP network address and calls Serve to
// handle sessions. If no address was configured, ":6667" is used.
func (s *Server) ListenAndServe() error {
	addr := s.listenAddr
	if addr == "" {
		addr = ":6667"
	}
	listen, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(tcpKeepAliveListener{listen.(*net.TCPListener)})
}

// ListenAndServeTLS listens on the TCP network address and calls Serve to
// handle sessions wrapped in TLS. If no address was configured, ":6697"
// is used. A certificate/key pair is loaded from certFile/keyFile whenever
// either is given, or when the Server's configured tls.Config carries none.
func (s *Server) ListenAndServeTLS(certFile, keyFile string) error {
	addr := s.listenAddr
	if addr == "" {
		addr = ":6697"
	}
	config := cloneTLSConfig(s.tlsConfig)

	configHasCert := len(config.Certificates) > 0 || config.GetCertificate != nil
	if !configHasCert || certFile != "" || keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return err
		}
		config.Certificates = []tls.Certificate{cert}
	}

	listen, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(tls.NewListener(tcpKeepAliveListener{listen.(*net.TCPListener)}, config))
}

// Serve accepts connections from ln until Shutdown is called, spawning one
// Session per accepted connection under the Server's WaitGroup. Accept
// errors that are Temporary back off exponentially, capped at one second,
// and reset on the next successful Accept.
func (s *Server) Serve(ln net.Listener) error {
	s.listener = ln
	defer ln.Close()

	s.log.WithField("addr", ln.Addr().String()).Info("listening")

	var tempDelay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.stop:
				s.wg.Wait()
				return nil
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if tempDelay > time.Second {
					tempDelay = time.Second
				}
				s.log.WithError(err).WithField("retry_in", tempDelay).Warn("accept error")
				time.Sleep(tempDelay)
				continue
			}
			return err
		}
		tempDelay = 0
		s.handleConn(conn, nil)
	}
}

// HandleConn lets a Listener collaborator that terminates TLS/WebSocket
// itself hand core a connection directly, bypassing Serve's accept loop.
func (s *Server) HandleConn(conn net.Conn, certFingerprint func() (string, bool)) {
	s.handleConn(conn, certFingerprint)
}

func (s *Server) handleConn(conn net.Conn, certFingerprint func() (string, bool)) {
	s.observe.ConnectionOpened()
	id := NewSessionId()
	sess := NewSession(id, conn, s)
	if certFingerprint != nil {
		s.pendingMu.Lock()
		s.certFingerprints[id] = certFingerprint
		s.pendingMu.Unlock()
	}
	s.sessions.Set(id, sess)
	s.wg.Go(func() { sess.Serve() })
}

// Shutdown stops accepting new connections, terminates every live session,
// and waits for their goroutines to exit.
func (s *Server) Shutdown(reason string) {
	s.stopOnce.Do(func() {
		close(s.stop)
		if s.listener != nil {
			_ = s.listener.Close()
		}
		for _, sess := range s.sessions.Values() {
			sess.Terminate(reason)
		}
		s.ratelimit.Close()
		if s.links != nil {
			s.links.Shutdown()
		}
	})
	s.wg.Wait()
}

// cloneTLSConfig returns a shallow clone of the exported fields of cfg,
// ignoring the unexported sync.Once which must not be copied. If cfg is
// nil, a new zero tls.Config is returned.
func cloneTLSConfig(cfg *tls.Config) *tls.Config {
	if cfg == nil {
		return &tls.Config{}
	}
	return &tls.Config{
		Rand:                     cfg.Rand,
		Time:                     cfg.Time,
		Certificates:             cfg.Certificates,
		GetCertificate:           cfg.GetCertificate,
		RootCAs:                  cfg.RootCAs,
		NextProtos:               cfg.NextProtos,
		ServerName:               cfg.ServerName,
		ClientAuth:               cfg.ClientAuth,
		ClientCAs:                cfg.ClientCAs,
		InsecureSkipVerify:       cfg.InsecureSkipVerify,
		CipherSuites:             cfg.CipherSuites,
		SessionTicketsDisabled:   cfg.SessionTicketsDisabled,
		SessionTicketKey:         cfg.SessionTicketKey,
		ClientSessionCache:       cfg.ClientSessionCache,
		MinVersion:               cfg.MinVersion,
		MaxVersion:               cfg.MaxVersion,
		CurvePreferences:         cfg.CurvePreferences,
	}
}

// tcpKeepAliveListener sets TCP keep-alive timeouts on accepted
// connections so dead TCP connections eventually go away.
type tcpKeepAliveListener struct {
	*net.TCPListener
}

func (listen tcpKeepAliveListener) Accept() (net.Conn, error) {
	conn, err := listen.AcceptTCP()
	if err != nil {
		return nil, err
	}
	conn.SetKeepAlive(true)
	conn.SetKeepAlivePeriod(KeepAliveTimeout)
	return conn, nil
}

// --- Deliverer ---

// Deliver implements Matrix's Deliverer: resolve uid to its live sessions
// and enqueue msg on each, the multi-session "bouncer" fan-out.
func (s *Server) Deliver(uid Uid, msg *Message) {
	u, ok := s.matrix.LookupUser(uid)
	if !ok {
		return
	}
	for _, id := range u.Sessions() {
		if sess, ok := s.sessions.Get(id); ok {
			sess.Send(msg)
		}
	}
}

// --- Session lifecycle hooks ---

func (s *Server) onSessionClosed(sess *Session, reason string) {
	s.sessions.Delete(sess.id)
	s.observe.ConnectionClosed()

	s.pendingMu.Lock()
	delete(s.pendingIdentities, sess.id)
	delete(s.certFingerprints, sess.id)
	s.pendingMu.Unlock()

	u := sess.User()
	if u == nil {
		return
	}
	remaining := u.RemoveSession(sess.id)
	if remaining > 0 {
		return
	}

	for _, name := range u.Channels() {
		if actor, ok := s.matrix.LookupChannel(name); ok {
			reply := make(chan error, 1)
			_ = actor.Send(PartEvent{Uid: u.Uid(), Reason: "Quit: " + reason, Reply: reply})
			<-reply
		}
	}

	s.relayQuit(u, reason)
	s.matrix.UnregisterUser(u)
	s.whowas.Record(WhowasEntry{
		Nick: u.Nick(), Username: u.Username(), Host: u.RealHost(),
		Realname: u.Realname(), Server: s.name, When: time.Now(),
	})

	for _, watcher := range s.matrix.WatchersOf(u.Nick()) {
		s.Deliver(watcher, &Message{Source: s.name, Code: ReplyMonOffline, Params: []string{u.Nick()}})
	}
}

func (s *Server) onSessionRegistered(sess *Session, u *User) {
	s.observe.MessageReceived(CmdUser)

	s.pendingMu.Lock()
	id, ok := s.pendingIdentities[sess.id]
	delete(s.pendingIdentities, sess.id)
	s.pendingMu.Unlock()
	if ok {
		s.bindAccount(sess, u, id)
	}

	if s.links != nil {
		s.links.Broadcast(s.uidFrame(u), "")
	}

	for _, watcher := range s.matrix.WatchersOf(u.Nick()) {
		s.Deliver(watcher, &Message{Source: s.name, Code: ReplyMonOnline, Params: []string{u.Hostmask()}})
	}
}

func (s *Server) sendWelcome(sess *Session, u *User) {
	sess.SendNumeric(ReplyWelcome, nil, "Welcome to the "+s.networkName+" network, "+u.Hostmask())
	sess.SendNumeric(ReplyYourHost, nil, "Your host is "+s.name+", running version "+s.version)
	sess.SendNumeric(ReplyCreated, nil, "This server was created "+s.startedAt.Format(time.RFC1123))
	sess.SendNumeric(ReplyMyInfo, []string{s.name, s.version}, "")
	sess.SendNumeric(ReplyISupport, strings.Fields(s.ISupportLine()), "are supported by this server")
	s.sendLusers(sess)
	s.sendMOTD(sess)
	sess.SendNumeric(ReplyUserModeIs, []string{u.FormattedModeString()}, "")
}

func (s *Server) sendMOTD(sess *Session) {
	if len(s.motd) == 0 {
		sess.SendNumeric(ReplyNoMOTD, nil, "MOTD File is missing")
		return
	}
	sess.SendNumeric(ReplyMOTDStart, nil, "- "+s.name+" Message of the Day -")
	for _, line := range s.motd {
		sess.SendNumeric(ReplyMOTD, nil, "- "+line)
	}
	sess.SendNumeric(ReplyEndOfMOTD, nil, "End of /MOTD command")
}

func (s *Server) sendLusers(sess *Session) {
	userCount := s.matrix.users.Length()
	sess.SendNumeric(ReplyLUserClient, nil, fmt.Sprintf("There are %d users and 0 invisible on 1 server", userCount))
	sess.SendNumeric(ReplyLUserOp, []string{"0"}, "IRC Operators online")
	sess.SendNumeric(ReplyLUserChannels, []string{strconv.Itoa(s.matrix.ChannelCount())}, "channels formed")
	sess.SendNumeric(ReplyLUserMe, nil, fmt.Sprintf("I have %d clients and 1 server", userCount))
}

// --- SASL / account binding ---

func (s *Server) certFingerprintFor(sess *Session) func() (string, bool) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	return s.certFingerprints[sess.id]
}

func (s *Server) stashPendingIdentity(id SessionId, identity sasl.Identity) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	s.pendingIdentities[id] = identity
}

func (s *Server) bindAccount(sess *Session, u *User, id sasl.Identity) {
	u.SetAccount(id.Account)
	client := s.matrix.GetOrCreateClient(id.Account)
	client.BindUid(u.Uid())
	client.Attach(sess.id, id.Device)
}

func (s *Server) checkOperCredentials(name, pass string) (Permission, bool) {
	cred, ok := s.operators[name]
	if !ok || !constantTimeEquals(cred.Password, pass) {
		return PermUser, false
	}
	return cred.Permission, true
}

// --- Broadcast helpers used by handlers ---

func (s *Server) broadcastNickChange(u *User, oldHostmask, newNick string) {
	nickMsg := &Message{Command: CmdNick, Source: oldHostmask, Text: newNick, HasText: true}
	seen := map[Uid]struct{}{u.Uid(): {}}
	for _, name := range u.Channels() {
		actor, ok := s.matrix.LookupChannel(name)
		if !ok {
			continue
		}
		snap := snapshotOf(actor)
		for _, m := range snap.Members {
			if _, dup := seen[m.Uid]; dup {
				continue
			}
			seen[m.Uid] = struct{}{}
			s.Deliver(m.Uid, nickMsg)
		}
	}
	s.Deliver(u.Uid(), nickMsg)
}

func (s *Server) notifyAwayChange(u *User, text string) {
	if text == "" {
		return
	}
	for _, watcher := range s.matrix.WatchersOf(u.Nick()) {
		s.Deliver(watcher, &Message{Source: s.name, Code: ReplyAway, Params: []string{u.Nick()}, Text: text, HasText: true})
	}
}

// broadcastToPeers fans a self-referential announcement (SETNAME, CHGHOST)
// out to every session sharing a channel with u, gated on the relevant
// capability per IRCv3's rule that only subscribed clients see the line.
func (s *Server) broadcastToPeers(u *User, msg *Message, cap Capability) {
	seen := map[Uid]struct{}{}
	for _, name := range u.Channels() {
		actor, ok := s.matrix.LookupChannel(name)
		if !ok {
			continue
		}
		snap := snapshotOf(actor)
		for _, m := range snap.Members {
			if _, dup := seen[m.Uid]; dup || m.Uid == u.Uid() {
				continue
			}
			seen[m.Uid] = struct{}{}
			if peer, ok := s.matrix.LookupUser(m.Uid); ok && peer.Caps().Has(cap) {
				s.Deliver(m.Uid, msg)
			}
		}
	}
}

func (s *Server) broadcastWallops(from *User, text string, gate UserMode) {
	notice := &Message{Command: CmdWallops, Source: from.Hostmask(), Text: text, HasText: true}
	for _, u := range s.matrix.users.Values() {
		if u.HasMode(gate) {
			s.Deliver(u.Uid(), notice)
		}
	}
}

func (s *Server) onChannelEmpty(foldedName string) {
	s.matrix.DestroyChannel(foldedName)
}

func (s *Server) killUser(u *User, reason string) {
	errMsg := &Message{Command: CmdError, Text: "Closing Link: (" + reason + ")", HasText: true}
	s.Deliver(u.Uid(), errMsg)
	for _, id := range u.Sessions() {
		if sess, ok := s.sessions.Get(id); ok {
			sess.Terminate(reason)
		}
	}
}

func (s *Server) requestRehash() {
	if s.rehashFn != nil {
		s.rehashFn()
	}
}

func (s *Server) requestShutdown(reason string) {
	if s.shutdownFn != nil {
		s.shutdownFn(reason)
		return
	}
	go s.Shutdown(reason)
}

func (s *Server) requestRestart(reason string) {
	if s.restartFn != nil {
		s.restartFn(reason)
	}
}

func constantTimeEquals(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := 0; i < len(a); i++ {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}

var _ Deliverer = (*Server)(nil)
var _ replication.Delegate = (*Server)(nil)
