// Command kerneld is the orchestration kernel's process entrypoint: it
// wires the Lock Manager, Usage Meter, Approval Gate, Agent Spawner, Task
// Dispatcher, and Event Bus together, exposes the thin HTTP surface, and
// handles graceful shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/cliorchestrator/kernel/cmd/kerneld/httpapi"
	"github.com/cliorchestrator/kernel/internal/agenttype"
	"github.com/cliorchestrator/kernel/internal/approval"
	"github.com/cliorchestrator/kernel/internal/config"
	"github.com/cliorchestrator/kernel/internal/dispatch"
	"github.com/cliorchestrator/kernel/internal/eventbus"
	"github.com/cliorchestrator/kernel/internal/eventbus/wsfanout"
	"github.com/cliorchestrator/kernel/internal/lockmgr"
	"github.com/cliorchestrator/kernel/internal/notifications"
	"github.com/cliorchestrator/kernel/internal/notifications/external"
	"github.com/cliorchestrator/kernel/internal/roleoracle"
	"github.com/cliorchestrator/kernel/internal/spawner"
	"github.com/cliorchestrator/kernel/internal/storage"
	"github.com/cliorchestrator/kernel/internal/usage"
	natsgo "github.com/nats-io/nats.go"
)

func main() {
	portFlag := flag.Int("port", 0, "HTTP API port (overrides PORT env var)")
	policiesPath := flag.String("policies", "", "Approval policy YAML file (optional)")
	agentTypesPath := flag.String("agent-types", "", "Agent Type override YAML file (optional)")
	embedNATS := flag.Bool("embed-nats", false, "run an in-process NATS server instead of dialing KV_URL externally")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "kerneld: config: %v\n", err)
		os.Exit(1)
	}
	if *portFlag != 0 {
		cfg.Port = *portFlag
	}

	db, err := storage.Open(cfg.DBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kerneld: storage: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	eventStore, err := eventbus.NewSQLiteStore(db.Conn())
	if err != nil {
		fmt.Fprintf(os.Stderr, "kerneld: event store: %v\n", err)
		os.Exit(1)
	}
	bus := eventbus.NewBus(eventStore)
	kb := &kernelBus{bus: bus}

	var natsConn *natsgo.Conn
	var embedded *embeddedNATS
	if cfg.DistributedMode() {
		if *embedNATS {
			dataDir := filepath.Join(filepath.Dir(cfg.DBPath), "nats-data")
			embedded, err = startEmbeddedNATS(4222, dataDir)
			if err != nil {
				fmt.Fprintf(os.Stderr, "kerneld: embedded nats: %v\n", err)
				os.Exit(1)
			}
			natsConn, err = natsgo.Connect(embedded.URL())
		} else {
			natsConn, err = natsgo.Connect(cfg.KVURL)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "kerneld: nats connect: %v\n", err)
			os.Exit(1)
		}
		defer natsConn.Close()
		log.Printf("[KERNELD] distributed mode: connected to %s", natsConn.ConnectedUrl())
	}

	locks, err := newLockManager(cfg, kb, natsConn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kerneld: lock manager: %v\n", err)
		os.Exit(1)
	}
	defer locks.Close()

	meter, err := newUsageMeter(cfg, db, kb, natsConn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kerneld: usage meter: %v\n", err)
		os.Exit(1)
	}

	if *agentTypesPath != "" {
		overrides, err := agenttype.LoadOverrides(*agentTypesPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "kerneld: agent types: %v\n", err)
			os.Exit(1)
		}
		log.Printf("[KERNELD] loaded %d agent type override(s) from %s", len(overrides), *agentTypesPath)
	}

	spawnerSvc := spawner.New(cfg.CLIPath, cfg.MaxConcurrentAgents, kb, meter)

	roles := roleoracle.NewStatic(nil)

	var policies *approval.PolicyStore
	if *policiesPath != "" {
		policies, err = approval.LoadPolicies(*policiesPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "kerneld: policies: %v\n", err)
			os.Exit(1)
		}
	} else {
		policies = approval.NewPolicyStore(nil)
	}

	gate, err := approval.NewGate(approval.NewStore(db.Conn()), policies, kb, roles)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kerneld: approval gate: %v\n", err)
		os.Exit(1)
	}

	dispatcher := dispatch.New(spawnerSvc, locks, gate, policies, kb)

	wireEventCallbacks(bus, dispatcher)

	notifier := newNotifier()
	wireNotifications(bus, notifier)

	wsHub := wsfanout.NewHub(bus, "all", nil)
	go wsHub.Run()

	apiServer := httpapi.New(dispatcher, gate, locks, spawnerSvc, meter)
	mux := apiServer.Router()
	mux.Handle("/ws", wsHub)

	httpSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: mux,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Printf("[KERNELD] listening on :%d", cfg.Port)
		serverErr <- httpSrv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		if err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "kerneld: server error: %v\n", err)
		}
	case <-shutdown:
		log.Println("[KERNELD] shutting down (signal received)")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	spawnerSvc.TerminateAll()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "kerneld: http shutdown: %v\n", err)
	}
	if embedded != nil {
		embedded.Shutdown()
	}

	log.Println("[KERNELD] goodbye")
}

func newLockManager(cfg *config.Config, bus lockmgr.Publisher, conn *natsgo.Conn) (*lockmgr.Manager, error) {
	if cfg.DistributedMode() {
		return lockmgr.NewDistributedManager(conn, cfg.DefaultLockTTLSeconds, bus)
	}
	return lockmgr.NewInProcessManager(cfg.DefaultLockTTLSeconds, bus), nil
}

func newUsageMeter(cfg *config.Config, db *storage.DB, bus usage.Publisher, conn *natsgo.Conn) (*usage.Meter, error) {
	store := usage.NewStore(db.Conn())
	var fast usage.FastStore
	if cfg.DistributedMode() {
		var err error
		fast, err = usage.NewNATSFastStore(conn)
		if err != nil {
			return nil, err
		}
	}
	return usage.NewMeter(store, fast, bus, usage.DefaultPlanLimits(), cfg.UsageRetentionDays), nil
}

// wireEventCallbacks subscribes to the event-bus topics the Task
// Dispatcher cares about and forwards them to its external-event
// callbacks, closing the loop this package's narrow-interface pattern
// leaves open at the component level.
func wireEventCallbacks(bus *eventbus.Bus, d *dispatch.Dispatcher) {
	approvalCh := bus.Subscribe("all", []eventbus.EventType{
		eventbus.EventApprovalGranted, eventbus.EventApprovalRejected,
		eventbus.EventApprovalExpired, eventbus.EventApprovalBypassed,
	})
	go func() {
		for event := range approvalCh {
			approvalID, _ := event.Payload["request_id"].(string)
			reason, _ := event.Payload["reason"].(string)
			d.OnApprovalResolved(approvalID, approvalStateFor(event.Type), reason)
		}
	}()

	lockCh := bus.Subscribe("all", []eventbus.EventType{eventbus.EventLockGrantedFromWait})
	go func() {
		for range lockCh {
			d.OnLockGranted()
		}
	}()

	agentCh := bus.Subscribe("all", []eventbus.EventType{
		eventbus.EventAgentCompleted, eventbus.EventAgentError, eventbus.EventAgentTerminated,
	})
	go func() {
		for event := range agentCh {
			agentID, _ := event.Payload["agent_id"].(string)
			switch event.Type {
			case eventbus.EventAgentCompleted:
				d.OnAgentTerminal(agentID, true, "")
			case eventbus.EventAgentError:
				// agent:error also carries streamed stderr lines, which are
				// not terminal; only a payload without a "line" key marks
				// the agent's actual exit.
				if _, isOutputLine := event.Payload["line"]; isOutputLine {
					continue
				}
				reason, _ := event.Payload["error"].(string)
				if reason == "" {
					reason = fmt.Sprintf("exit_code=%v", event.Payload["exit_code"])
				}
				d.OnAgentTerminal(agentID, false, reason)
			case eventbus.EventAgentTerminated:
				d.OnAgentTerminal(agentID, false, "terminated")
			}
		}
	}()
}

func approvalStateFor(t eventbus.EventType) approval.State {
	switch t {
	case eventbus.EventApprovalGranted:
		return approval.StateApproved
	case eventbus.EventApprovalBypassed:
		return approval.StateBypassed
	case eventbus.EventApprovalExpired:
		return approval.StateExpired
	default:
		return approval.StateRejected
	}
}

func newNotifier() *notifications.Dispatcher {
	d := notifications.NewDispatcher()

	if url := os.Getenv("SLACK_WEBHOOK_URL"); url != "" {
		d.Register(external.NewSlackSender(external.SlackConfig{WebhookURL: url}))
	}
	if endpoint := os.Getenv("WEBHOOK_ENDPOINTS"); endpoint != "" {
		endpoints := map[string]string{}
		for _, pair := range strings.Split(endpoint, ",") {
			parts := strings.SplitN(pair, "=", 2)
			if len(parts) == 2 {
				endpoints[parts[0]] = parts[1]
			}
		}
		d.Register(external.NewWebhookSender(external.WebhookConfig{Endpoints: endpoints}))
	}

	return d
}

// wireNotifications forwards high-priority bus events to the
// notification dispatcher's fire-and-forget delivery path.
func wireNotifications(bus *eventbus.Bus, d *notifications.Dispatcher) {
	ch := bus.Subscribe("all", []eventbus.EventType{
		eventbus.EventApprovalRequired, eventbus.EventUsageAlert,
	})
	go func() {
		for event := range ch {
			channels := d.Channels()
			if len(channels) == 0 {
				continue
			}
			d.Dispatch(notifications.Notification{
				RecipientID: "ops",
				Channel:     channels[0],
				Subject:     string(event.Type),
				Body:        fmt.Sprintf("%v", event.Payload),
				Data:        event.Payload,
			})
		}
	}()
}

// kernelBus is the single composition-root adapter satisfying every
// component's narrow Publisher interface over the shared event bus,
// breaking the import cycle each component's own Publisher interface
// exists to avoid.
type kernelBus struct {
	bus *eventbus.Bus
}

func (k *kernelBus) PublishLockEvent(topic, resourceType, resourceID, ownerID string) {
	k.bus.Publish(eventbus.NewEvent(eventbus.EventType(topic), "lockmgr", "all", eventbus.PriorityNormal, map[string]interface{}{
		"resource_type": resourceType, "resource_id": resourceID, "owner_id": ownerID,
	}))
}

func (k *kernelBus) PublishUsageEvent(topic string, payload map[string]interface{}) {
	k.bus.Publish(eventbus.NewEvent(eventbus.EventType(topic), "usage", "all", eventbus.PriorityNormal, payload))
}

func (k *kernelBus) PublishApprovalEvent(topic, requestID string, payload map[string]interface{}) {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	payload["request_id"] = requestID
	k.bus.Publish(eventbus.NewEvent(eventbus.EventType(topic), "approval", "all", eventbus.PriorityHigh, payload))
}

func (k *kernelBus) PublishAgentEvent(topic, agentID string, payload map[string]interface{}) {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	payload["agent_id"] = agentID
	k.bus.Publish(eventbus.NewEvent(eventbus.EventType(topic), "spawner", "all", eventbus.PriorityNormal, payload))
}

func (k *kernelBus) PublishTaskEvent(topic, taskID string, payload map[string]interface{}) {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	payload["task_id"] = taskID
	k.bus.Publish(eventbus.NewEvent(eventbus.EventType(topic), "dispatch", "all", eventbus.PriorityNormal, payload))
}
