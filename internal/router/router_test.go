package router

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/relayfabric/relayfabric/internal/dedup"
	"github.com/relayfabric/relayfabric/internal/registry"
	"github.com/relayfabric/relayfabric/internal/session"
	"github.com/relayfabric/relayfabric/pkg/fabric"
)

type testEnv struct {
	reg      *registry.Registry
	sessions *session.Store
	router   *Router
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()
	reg := registry.New(registry.Config{})
	sessions := session.NewStore(session.Config{Timeout: time.Minute})
	cfg := Config{
		NodeID:   "local",
		ScopeFn:  func() string { return "S1" },
		MaxHops:  8,
		Registry: reg,
		Dedup:    dedup.NewCache(dedup.Config{}),
		Sessions: sessions,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return &testEnv{reg: reg, sessions: sessions, router: New(cfg)}
}

func newPeer(t *testing.T, env *testEnv, id, scope string, role fabric.SenderRole) *fabric.PeerConnection {
	t.Helper()
	conn := fabric.NewPeerConnection(fabric.ChannelInfo{
		NodeID: id,
		Scope:  scope,
		Role:   role,
	}, 16)
	conn.MarkConnected()
	if got := env.reg.Add(conn); got != registry.AddRegistered {
		t.Fatalf("Add(%q) = %v, want AddRegistered", id, got)
	}
	return conn
}

func drainOne(t *testing.T, conn *fabric.PeerConnection) *fabric.Envelope {
	t.Helper()
	select {
	case e := <-conn.Outbound():
		return e
	default:
		t.Fatalf("expected an envelope queued on %s", conn.NodeID())
		return nil
	}
}

func TestBroadcastRespectsScopeAndSubscription(t *testing.T) {
	env := newTestEnv(t, nil)
	b := newPeer(t, env, "node-b", "S1", fabric.RoleDevice)
	c := newPeer(t, env, "node-c", "S2", fabric.RoleDevice)
	b.Subscribe(fabric.SubscriptionEntry{Topic: "Lights"})
	c.Subscribe(fabric.SubscriptionEntry{Topic: "Lights"})

	e := fabric.NewEnvelope("node-a", "Lights@S1")
	e.Sequence = 1

	if got := env.router.HandleInbound(context.Background(), nil, e); got != Delivered {
		t.Fatalf("HandleInbound = %v, want Delivered", got)
	}
	out := drainOne(t, b)
	if out.Scope != "S1" {
		t.Errorf("delivered scope = %q, want S1", out.Scope)
	}
	if out.HopCount != 1 {
		t.Errorf("delivered hop count = %d, want 1", out.HopCount)
	}
	if b.QueueLen() != 0 {
		t.Errorf("node-b queued %d extra copies", b.QueueLen())
	}
	if c.QueueLen() != 0 {
		t.Errorf("node-c in scope S2 received %d copies, want 0", c.QueueLen())
	}
}

func TestBroadcastRequiresSubscriptionUnlessSystemwide(t *testing.T) {
	env := newTestEnv(t, nil)
	b := newPeer(t, env, "node-b", "S1", fabric.RoleDevice)

	e := fabric.NewEnvelope("node-a", "Lights@S1")
	e.Sequence = 1
	if got := env.router.HandleInbound(context.Background(), nil, e); got != NoTargets {
		t.Fatalf("unsubscribed broadcast = %v, want NoTargets", got)
	}

	sys := fabric.NewEnvelope("node-a", fabric.TopicSystemwide+"@S1")
	sys.Sequence = 2
	if got := env.router.HandleInbound(context.Background(), nil, sys); got != Delivered {
		t.Fatalf("systemwide broadcast = %v, want Delivered", got)
	}
	if b.QueueLen() != 1 {
		t.Errorf("systemwide delivered %d copies, want 1", b.QueueLen())
	}
}

func TestNextHopHintBeatsBroadcast(t *testing.T) {
	env := newTestEnv(t, nil)
	hop := newPeer(t, env, "node-hop", "S1", fabric.RoleDevice)
	other := newPeer(t, env, "node-other", "S1", fabric.RoleDevice)
	other.Subscribe(fabric.SubscriptionEntry{Topic: "Temp"})

	e := fabric.NewEnvelope("node-a", "Temp@S1")
	e.Sequence = 1
	e.NextHop = "node-hop"

	if got := env.router.HandleInbound(context.Background(), nil, e); got != Delivered {
		t.Fatalf("HandleInbound = %v, want Delivered", got)
	}
	if hop.QueueLen() != 1 {
		t.Errorf("next-hop received %d copies, want 1", hop.QueueLen())
	}
	if other.QueueLen() != 0 {
		t.Errorf("broadcast match received %d copies, want 0", other.QueueLen())
	}
}

func TestDirectTargetSuffix(t *testing.T) {
	env := newTestEnv(t, nil)
	target := newPeer(t, env, "node-b", "S1", fabric.RoleDevice)
	bystander := newPeer(t, env, "node-c", "S1", fabric.RoleDevice)
	bystander.Subscribe(fabric.SubscriptionEntry{Topic: "Temp"})

	e := fabric.NewEnvelope("node-a", "Temp;node-b")
	e.Sequence = 1
	if got := env.router.HandleInbound(context.Background(), nil, e); got != Delivered {
		t.Fatalf("HandleInbound = %v, want Delivered", got)
	}
	if target.QueueLen() != 1 {
		t.Errorf("direct target received %d copies, want 1", target.QueueLen())
	}
	if bystander.QueueLen() != 0 {
		t.Errorf("bystander received %d copies, want 0", bystander.QueueLen())
	}
}

func TestDirectTargetDown(t *testing.T) {
	env := newTestEnv(t, nil)
	target := newPeer(t, env, "node-b", "S1", fabric.RoleDevice)
	target.SetAlive(false)

	e := fabric.NewEnvelope("node-a", "Temp;node-b")
	e.Sequence = 1
	if got := env.router.HandleInbound(context.Background(), nil, e); got != NoTargets {
		t.Fatalf("HandleInbound = %v, want NoTargets", got)
	}
	if target.QueueLen() != 0 {
		t.Errorf("dead target received %d copies", target.QueueLen())
	}
}

func TestDuplicateMessageDropped(t *testing.T) {
	env := newTestEnv(t, nil)
	b := newPeer(t, env, "node-b", "S1", fabric.RoleDevice)
	b.Subscribe(fabric.SubscriptionEntry{Topic: "Lights"})

	e := fabric.NewEnvelope("node-a", "Lights@S1")
	e.Sequence = 7
	if got := env.router.HandleInbound(context.Background(), nil, e); got != Delivered {
		t.Fatalf("first send = %v, want Delivered", got)
	}
	if got := env.router.HandleInbound(context.Background(), nil, e.Clone()); got != DroppedDuplicate {
		t.Fatalf("second send = %v, want DroppedDuplicate", got)
	}
	if b.QueueLen() != 1 {
		t.Errorf("subscriber queued %d copies, want 1", b.QueueLen())
	}
}

func TestHopLimitStopsRelayButNotLocalDelivery(t *testing.T) {
	handled := 0
	env := newTestEnv(t, func(cfg *Config) {
		cfg.MaxHops = 3
		cfg.Engines = fabric.StaticEngines{
			"CDE": func(ctx context.Context, e *fabric.Envelope) error {
				handled++
				return nil
			},
		}
	})
	b := newPeer(t, env, "node-b", "S1", fabric.RoleDevice)
	b.Subscribe(fabric.SubscriptionEntry{Topic: "Lights"})

	e := fabric.NewEnvelope("node-a", "Lights@S1")
	e.Engine = "CDE"
	e.Sequence = 1
	e.HopCount = 3

	if got := env.router.HandleInbound(context.Background(), nil, e); got != DroppedHopLimit {
		t.Fatalf("HandleInbound = %v, want DroppedHopLimit", got)
	}
	if handled != 1 {
		t.Errorf("local engine handled %d messages, want 1", handled)
	}
	if b.QueueLen() != 0 {
		t.Errorf("message past hop limit was relayed %d times", b.QueueLen())
	}
}

func TestLocalEngineErrorDoesNotBlockRelay(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.Engines = fabric.StaticEngines{
			"CDE": func(ctx context.Context, e *fabric.Envelope) error {
				return errors.New("engine busy")
			},
		}
	})
	b := newPeer(t, env, "node-b", "S1", fabric.RoleDevice)
	b.Subscribe(fabric.SubscriptionEntry{Topic: "Lights"})

	e := fabric.NewEnvelope("node-a", "Lights@S1")
	e.Engine = "CDE"
	e.Sequence = 1
	if got := env.router.HandleInbound(context.Background(), nil, e); got != Delivered {
		t.Fatalf("HandleInbound = %v, want Delivered", got)
	}
}

func TestBlacklistedOriginatorTornDown(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.Blacklist = []string{"node-bad"}
	})
	bad := newPeer(t, env, "node-bad", "S1", fabric.RoleDevice)
	state := env.sessions.CreateSession(session.RequestContext{DeviceID: "dev-bad"}, "")
	bad.SetSessionID(state.ID)

	e := fabric.NewEnvelope("node-bad", "Lights@S1")
	e.Sequence = 1
	if got := env.router.HandleInbound(context.Background(), bad, e); got != DroppedBlacklisted {
		t.Fatalf("HandleInbound = %v, want DroppedBlacklisted", got)
	}
	if _, ok := env.reg.GetByNodeID("node-bad"); ok {
		t.Error("blacklisted connection still registered")
	}
	if _, ok := env.sessions.Validate(state.ID); ok {
		t.Error("blacklisted session still valid")
	}
}

func TestMalformedMessagesDropped(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	if got := env.router.HandleInbound(ctx, nil, nil); got != DroppedMalformed {
		t.Errorf("nil envelope = %v, want DroppedMalformed", got)
	}
	if got := env.router.HandleInbound(ctx, nil, fabric.NewEnvelope("node-a", "")); got != DroppedMalformed {
		t.Errorf("empty topic = %v, want DroppedMalformed", got)
	}
	if got := env.router.HandleInbound(ctx, nil, fabric.NewEnvelope("", "Lights")); got != DroppedMalformed {
		t.Errorf("missing originator = %v, want DroppedMalformed", got)
	}
}

func TestOriginatorDoesNotReceiveOwnBroadcast(t *testing.T) {
	env := newTestEnv(t, nil)
	a := newPeer(t, env, "node-a", "S1", fabric.RoleDevice)
	a.Subscribe(fabric.SubscriptionEntry{Topic: "Lights"})
	b := newPeer(t, env, "node-b", "S1", fabric.RoleDevice)
	b.Subscribe(fabric.SubscriptionEntry{Topic: "Lights"})

	e := fabric.NewEnvelope("node-a", "Lights@S1")
	e.Sequence = 1
	if got := env.router.HandleInbound(context.Background(), a, e); got != Delivered {
		t.Fatalf("HandleInbound = %v, want Delivered", got)
	}
	if a.QueueLen() != 0 {
		t.Errorf("originator received %d copies of its own message", a.QueueLen())
	}
	if b.QueueLen() != 1 {
		t.Errorf("peer received %d copies, want 1", b.QueueLen())
	}
}

func TestNMITrafficKeptOffCloudRoutes(t *testing.T) {
	env := newTestEnv(t, nil)
	cloud := newPeer(t, env, "node-cloud", "S1", fabric.RoleCloudRoute)
	cloud.Subscribe(fabric.SubscriptionEntry{Topic: "Lights"})

	e := fabric.NewEnvelope("node-a", "Lights@S1")
	e.Engine = fabric.EngineNMI
	e.Sequence = 1
	if got := env.router.HandleInbound(context.Background(), nil, e); got != NoTargets {
		t.Fatalf("HandleInbound = %v, want NoTargets", got)
	}
	if cloud.QueueLen() != 0 {
		t.Errorf("cloud route received %d NMI copies, want 0", cloud.QueueLen())
	}
}

func TestNMIRelayToCloudWhenEnabled(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.RelayNMIToCloud = true
	})
	cloud := newPeer(t, env, "node-cloud", "S1", fabric.RoleCloudRoute)
	cloud.Subscribe(fabric.SubscriptionEntry{Topic: "Lights"})

	e := fabric.NewEnvelope("node-a", "Lights@S1")
	e.Engine = fabric.EngineNMI
	e.Sequence = 1
	if got := env.router.HandleInbound(context.Background(), nil, e); got != Delivered {
		t.Fatalf("HandleInbound = %v, want Delivered", got)
	}
}

func TestDrainModeBroadcastsPastDirectTarget(t *testing.T) {
	env := newTestEnv(t, nil)
	env.router.SetShuttingDown()
	target := newPeer(t, env, "node-b", "S1", fabric.RoleDevice)
	extra := newPeer(t, env, "node-c", "S1", fabric.RoleDevice)
	extra.Subscribe(fabric.SubscriptionEntry{Topic: "Temp"})

	e := fabric.NewEnvelope("node-a", "Temp;node-b")
	e.Sequence = 1
	if got := env.router.HandleInbound(context.Background(), nil, e); got != Delivered {
		t.Fatalf("HandleInbound = %v, want Delivered", got)
	}
	if target.QueueLen() != 1 {
		t.Errorf("direct target received %d copies, want 1", target.QueueLen())
	}
	if extra.QueueLen() != 1 {
		t.Errorf("drain-mode broadcast delivered %d copies, want 1", extra.QueueLen())
	}
}

func TestSubscribeControlUpdatesConnection(t *testing.T) {
	var gotNode string
	var gotEntry fabric.SubscriptionEntry
	var gotAdded bool
	env := newTestEnv(t, func(cfg *Config) {
		cfg.OnSubscription = func(nodeID string, entry fabric.SubscriptionEntry, added bool) {
			gotNode, gotEntry, gotAdded = nodeID, entry, added
		}
	})
	peer := newPeer(t, env, "node-b", "S1", fabric.RoleDevice)

	sub := fabric.NewEnvelope("node-b", "Lights@S1")
	sub.Command = fabric.CmdSubscribe
	if got := env.router.HandleInbound(context.Background(), peer, sub); got != Control {
		t.Fatalf("subscribe = %v, want Control", got)
	}
	if !peer.SubscribesTo("Lights", "S1") {
		t.Error("connection not subscribed after CDE_SUBSCRIBE")
	}
	if gotNode != "node-b" || gotEntry.Topic != "Lights" || gotEntry.Scope != "S1" || !gotAdded {
		t.Errorf("notification = (%q, %+v, %v)", gotNode, gotEntry, gotAdded)
	}

	unsub := fabric.NewEnvelope("node-b", "Lights@S1")
	unsub.Command = fabric.CmdUnsubscribe
	if got := env.router.HandleInbound(context.Background(), peer, unsub); got != Control {
		t.Fatalf("unsubscribe = %v, want Control", got)
	}
	if peer.SubscribesTo("Lights", "S1") {
		t.Error("connection still subscribed after CDE_UNSUBSCRIBE")
	}
	if gotAdded {
		t.Error("notification not fired for removal")
	}
}

func TestControlMessagesAreNotRelayed(t *testing.T) {
	env := newTestEnv(t, nil)
	sender := newPeer(t, env, "node-b", "S1", fabric.RoleDevice)
	other := newPeer(t, env, "node-c", "S1", fabric.RoleDevice)
	other.Subscribe(fabric.SubscriptionEntry{Topic: "Lights"})

	sub := fabric.NewEnvelope("node-b", "Lights@S1")
	sub.Command = fabric.CmdSubscribe
	if got := env.router.HandleInbound(context.Background(), sender, sub); got != Control {
		t.Fatalf("HandleInbound = %v, want Control", got)
	}
	if other.QueueLen() != 0 {
		t.Errorf("control message relayed %d times, want 0", other.QueueLen())
	}
}

func TestConnectHandshakeReply(t *testing.T) {
	env := newTestEnv(t, nil)
	peer := fabric.NewPeerConnection(fabric.ChannelInfo{NodeID: "node-b", Scope: "S1"}, 16)
	if got := env.reg.Add(peer); got != registry.AddRegistered {
		t.Fatalf("Add = %v", got)
	}

	hello := fabric.NewEnvelope("node-b", fabric.TopicSystemwide)
	hello.Command = fabric.CmdConnect
	if got := env.router.HandleInbound(context.Background(), peer, hello); got != Control {
		t.Fatalf("HandleInbound = %v, want Control", got)
	}
	if !peer.IsConnected() {
		t.Error("connection not marked connected after handshake")
	}
	reply := drainOne(t, peer)
	if reply.Command != fabric.CmdConnect {
		t.Errorf("reply command = %q, want %q", reply.Command, fabric.CmdConnect)
	}
	if reply.Originator != "local" {
		t.Errorf("reply originator = %q, want local", reply.Originator)
	}
	if reply.Scope != "S1" {
		t.Errorf("reply scope = %q, want S1", reply.Scope)
	}
}

func TestDeleteOrphanRemovesOnlyStaleEntries(t *testing.T) {
	env := newTestEnv(t, nil)
	live := newPeer(t, env, "node-live", "S1", fabric.RoleDevice)
	stale := newPeer(t, env, "node-stale", "S1", fabric.RoleDevice)
	stale.SetAlive(false)

	del := fabric.NewEnvelope("node-a", fabric.TopicSystemwide)
	del.Command = fabric.CmdDeleteOrphan
	del.Text = "node-stale"
	env.router.HandleInbound(context.Background(), nil, del)
	if _, ok := env.reg.GetByNodeID("node-stale"); ok {
		t.Error("stale entry not removed")
	}

	del2 := fabric.NewEnvelope("node-a", fabric.TopicSystemwide)
	del2.Command = fabric.CmdDeleteOrphan
	del2.Text = "node-live"
	env.router.HandleInbound(context.Background(), nil, del2)
	if _, ok := env.reg.GetByNodeID("node-live"); !ok {
		t.Error("live entry removed by delete-orphan")
	}
	_ = live
}

func TestServiceInfoUpdatesMetadata(t *testing.T) {
	env := newTestEnv(t, nil)
	peer := newPeer(t, env, "node-b", "S1", fabric.RoleDevice)

	info := fabric.NewEnvelope("node-b", fabric.TopicSystemwide)
	info.Command = fabric.CmdServiceInfo
	info.Text = `{"scope":"S9","trusted":true,"oneWayFilter":"Alerts"}`
	if got := env.router.HandleInbound(context.Background(), peer, info); got != Control {
		t.Fatalf("HandleInbound = %v, want Control", got)
	}
	if peer.Scope() != "S9" {
		t.Errorf("scope = %q, want S9", peer.Scope())
	}
	if !peer.Trusted() {
		t.Error("trusted flag not set")
	}
}

func TestUnscopedTopicStampedWithLocalScope(t *testing.T) {
	env := newTestEnv(t, nil)
	b := newPeer(t, env, "node-b", "S1", fabric.RoleDevice)
	b.Subscribe(fabric.SubscriptionEntry{Topic: "Lights"})

	e := fabric.NewEnvelope("node-a", "Lights")
	e.Sequence = 1
	if got := env.router.HandleInbound(context.Background(), nil, e); got != Delivered {
		t.Fatalf("HandleInbound = %v, want Delivered", got)
	}
	out := drainOne(t, b)
	if out.Scope != "S1" {
		t.Errorf("stamped scope = %q, want S1", out.Scope)
	}
	if got := env.router.HandleInbound(context.Background(), nil, fabric.NewEnvelope("node-a", "Lights")); got != Delivered {
		t.Fatalf("second unscoped publish = %v, want Delivered", got)
	}

	scoped := newTestEnv(t, func(cfg *Config) {
		cfg.Scopes = fabric.PassthroughScopes{Disabled: true}
	})
	c := newPeer(t, scoped, "node-c", "S1", fabric.RoleDevice)
	c.Subscribe(fabric.SubscriptionEntry{Topic: "Lights"})
	e2 := fabric.NewEnvelope("node-a", "Lights")
	e2.Sequence = 1
	if got := scoped.router.HandleInbound(context.Background(), nil, e2); got != Delivered {
		t.Fatalf("HandleInbound = %v, want Delivered", got)
	}
	if out := drainOne(t, c); out.Scope != "" {
		t.Errorf("scope stamped while scoping disabled: %q", out.Scope)
	}
}
