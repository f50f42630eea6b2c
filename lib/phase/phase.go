// Package phase implements the PhaseExecutor described in spec.md
// §4.10: running one Boot Set's operation phases in order against the
// collaborators in §2's dependency table, reporting every category
// transition into the status service, and stopping the sequence at
// the first phase that fails.
//
// Grounded on lib/fsm/fsm.go's executeOnePhase rather than lib/fsm's
// PhaseExecutor interface (Execute/PostCheck/Rollback, indexed by
// plan-graph position). BOA dispatches on the phase's *name* with a
// plain switch, since the phase sequence is a pure function of
// operation (spec.md §3) rather than an arbitrary DAG; Rollback has no
// BOA analogue; see DESIGN.md.
package phase

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Cray-HPE/boa/lib/artifact"
	"github.com/Cray-HPE/boa/lib/boaconfig"
	"github.com/Cray-HPE/boa/lib/boaerror"
	"github.com/Cray-HPE/boa/lib/bootscriptclient"
	"github.com/Cray-HPE/boa/lib/configuration"
	"github.com/Cray-HPE/boa/lib/inventory"
	"github.com/Cray-HPE/boa/lib/nodeset"
	"github.com/Cray-HPE/boa/lib/power"
	"github.com/Cray-HPE/boa/lib/rootfs"
	"github.com/Cray-HPE/boa/lib/session"
	"github.com/Cray-HPE/boa/lib/statewaiter"
	"github.com/Cray-HPE/boa/lib/status"
	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"
)

// Deps bundles every collaborator a PhaseExecutor needs to drive one
// Boot Set, following spec.md §2's dependency table.
type Deps struct {
	Inventory     *inventory.Inventory
	Power         *power.Controller
	Waiter        *statewaiter.Waiter
	Configuration *configuration.Driver
	BootScript    *bootscriptclient.Registrar
	Artifacts     *artifact.Resolver
}

// Executor runs one Boot Set's operation phases end to end, holding
// the Boot-Set Status scope around the whole sequence.
type Executor struct {
	deps        Deps
	cfg         *boaconfig.Config
	sess        *session.Session
	bootSetName string
	bootSet     session.BootSet

	bootSetStatus *status.BootSetStatus
	phases        map[string]*status.PhaseStatus

	resolved   inventory.NodeSet
	failed     inventory.NodeSet
	configName string

	log log.FieldLogger
}

// New prepares an Executor for one Boot Set. No I/O happens until Run
// is called.
func New(deps Deps, cfg *boaconfig.Config, sess *session.Session, bootSetName string, bootSetStatus *status.BootSetStatus) *Executor {
	return &Executor{
		deps:          deps,
		cfg:           cfg,
		sess:          sess,
		bootSetName:   bootSetName,
		bootSet:       sess.BootSets[bootSetName],
		bootSetStatus: bootSetStatus,
		phases:        map[string]*status.PhaseStatus{},
		failed:        inventory.NodeSet{},
		log:           log.WithFields(log.Fields{trace.Component: "phase", "boot_set": bootSetName}),
	}
}

// active returns the resolved node set minus any nodes a previous
// phase has already failed — failed nodes are "subtracted on every
// read" rather than removed from the stored resolution (spec.md §3).
func (e *Executor) active() inventory.NodeSet {
	return e.resolved.Difference(e.failed)
}

// RerunCommand returns the admin-facing command to re-run this Boot
// Set's failed nodes, or "" if none failed (SPEC_FULL.md §3, §4.11.1).
func (e *Executor) RerunCommand() string {
	if len(e.failed) == 0 {
		return ""
	}
	nodes := e.failed.Slice()
	sort.Strings(nodes)
	return fmt.Sprintf("boa --session-template %s --limit %s", e.sess.SessionTemplateID, strings.Join(nodes, ","))
}

// Run resolves the Boot Set's node set, creates/references its Phase
// records, and executes each phase of the operation in order,
// stopping at the first phase that returns an error (spec.md §4.10).
// The Boot-Set Status scope (start_time/stop_time) wraps the entire
// sequence regardless of outcome, and a nonempty failed-node set is
// recorded as a rerun command (SPEC_FULL.md §4.11.1).
func (e *Executor) Run(ctx context.Context) error {
	e.bootSetStatus.UpdateMetadata(ctx, status.GenericMetadata{StartTime: nowPtr()})
	defer func() {
		if cmd := e.RerunCommand(); cmd != "" {
			e.log.WithField("rerun_command", cmd).Warn("Boot Set finished with failed nodes.")
			e.bootSetStatus.UpdateMetadata(ctx, status.GenericMetadata{
				Extra: map[string]string{"rerun_command": cmd},
			})
		}
		e.bootSetStatus.UpdateMetadata(ctx, status.GenericMetadata{StopTime: nowPtr()})
	}()

	resolved, err := nodeset.Resolve(ctx, e.deps.Inventory,
		e.bootSet.NodeList, e.bootSet.NodeGroups, e.bootSet.NodeRolesGroups,
		e.sess.EffectiveLimit(e.bootSetName))
	if err != nil {
		return trace.Wrap(err)
	}
	if len(resolved) == 0 {
		e.log.Warn("Boot Set resolved to no nodes; skipping.")
		return nil
	}
	e.resolved = resolved

	phaseNames := session.Phases(e.sess.Operation)
	for _, name := range phaseNames {
		p, err := e.bootSetStatus.CreateOrReferencePhase(ctx, name, resolved.Slice())
		if err != nil {
			return trace.Wrap(err)
		}
		e.phases[name] = p
	}

	for _, name := range phaseNames {
		if len(e.active()) == 0 {
			e.log.Warn("No active nodes remain; skipping remaining phases.")
			break
		}
		if err := e.dispatch(ctx, name); err != nil {
			e.log.WithField("phase", name).WithError(err).Error(
				"Phase failed; skipping remaining phases for this Boot Set.")
			return trace.Wrap(err)
		}
	}
	return nil
}

func (e *Executor) dispatch(ctx context.Context, name string) error {
	switch name {
	case session.PhaseStageConfiguration:
		return e.stageConfiguration(ctx)
	case session.PhaseShutdown:
		return e.shutdown(ctx)
	case session.PhaseBoot:
		return e.boot(ctx)
	case session.PhaseWaitForConfiguration:
		return e.waitForConfiguration(ctx)
	default:
		return trace.BadParameter("unknown phase %q", name)
	}
}

// stageConfiguration assigns configuration to the active nodes and
// moves this Phase's nodes from not_started to in_progress. When CFS
// is disabled the Phase's nodes are moved straight to excluded
// (spec.md §4.10, §4.9).
func (e *Executor) stageConfiguration(ctx context.Context) error {
	p := e.phases[session.PhaseStageConfiguration]
	nodes := e.active()

	if !e.sess.EnableCfs {
		p.MoveNodes(ctx, status.CategoryNotStarted, status.CategoryExcluded, nodes.Slice())
		return nil
	}

	p.MoveNodes(ctx, status.CategoryNotStarted, status.CategoryInProgress, nodes.Slice())

	var spec configuration.Spec
	if e.sess.Cfs != nil {
		spec = configuration.Spec{
			Configuration: e.sess.Cfs.Configuration,
			CloneURL:      e.sess.Cfs.CloneURL,
			Branch:        e.sess.Cfs.Branch,
			Commit:        e.sess.Cfs.Commit,
			Playbook:      e.sess.Cfs.Playbook,
		}
	}
	configName, err := e.deps.Configuration.ResolveConfiguration(ctx, spec)
	if err != nil {
		return trace.Wrap(err)
	}
	e.configName = configName

	// enabled is deferred to the configure operation so configuration
	// does not race the power transition (spec.md §4.9).
	enabled := e.sess.Operation == boaconfig.OperationConfigure
	if err := e.deps.Configuration.StageConfiguration(ctx, nodes.Slice(), configName, enabled); err != nil {
		return trace.Wrap(err)
	}

	p.MoveNodes(ctx, status.CategoryInProgress, status.CategorySucceeded, nodes.Slice())
	return nil
}

// shutdown drives the graceful/forceful power-off state machine and
// splits the result into succeeded/failed (spec.md §4.10).
func (e *Executor) shutdown(ctx context.Context) error {
	p := e.phases[session.PhaseShutdown]
	nodes := e.active()
	p.MoveNodes(ctx, status.CategoryNotStarted, status.CategoryInProgress, nodes.Slice())

	reason := fmt.Sprintf("BOA session %s", e.sess.SessionID)
	failed, errors, err := e.deps.Power.GracefulShutdown(ctx, nodes, power.ShutdownParams{
		GraceWindow:     e.cfg.GracefulShutdownTimeout,
		HardWindow:      e.cfg.ForcefulShutdownTimeout,
		GracefulPrewait: e.cfg.GracefulShutdownPrewait,
		Frequency:       e.cfg.PowerStatusFrequency,
		Reason:          reason,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	if len(errors) > 0 {
		p.UpdateErrors(ctx, errors)
	}

	succeeded := nodes.Difference(failed)
	if len(succeeded) > 0 {
		p.MoveNodes(ctx, status.CategoryInProgress, status.CategorySucceeded, succeeded.Slice())
	}
	if len(failed) > 0 {
		p.MoveNodes(ctx, status.CategoryInProgress, status.CategoryFailed, failed.Slice())
		e.failed = e.failed.Union(failed)
	}
	if len(failed) == len(nodes) {
		return boaerror.AllNodesFailed(string(e.sess.Operation))
	}

	if e.sess.Operation == boaconfig.OperationReboot && len(succeeded) > 0 {
		// ready_drain: wait for Ready to clear before proceeding to
		// boot. Like every other phase step, a failure here stops the
		// remaining phases for this Boot Set (spec.md §4.10).
		if _, err := e.deps.Waiter.WaitForStateWithThreshold(ctx, succeeded, "Ready", true,
			e.cfg.ReadyDrainDuration, e.cfg.ReadyDrainInterval, e.cfg.ReadyDrainSuccessThreshold); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

// boot stages boot parameters, powers on whatever isn't already on,
// and waits for the whole active set to reach Ready (spec.md §4.10).
func (e *Executor) boot(ctx context.Context) error {
	p := e.phases[session.PhaseBoot]
	defer func() {
		p.UpdateMetadata(ctx, status.GenericMetadata{StopTime: nowPtr()})
	}()

	nodes := e.active()
	p.MoveNodes(ctx, status.CategoryNotStarted, status.CategoryInProgress, nodes.Slice())

	artifacts, err := e.deps.Artifacts.Resolve(e.bootSet.Path, e.bootSet.Etag)
	if err != nil {
		return trace.Wrap(err)
	}

	provider, err := rootfs.NewProvider(e.bootSet.RootfsProvider)
	if err != nil {
		return trace.Wrap(err)
	}
	fragments := provider.Render(artifacts, e.bootSet.RootfsProviderPassthrough)

	imageParameters, err := e.deps.Artifacts.FetchBootParameters(artifacts)
	if err != nil {
		return trace.Wrap(err)
	}
	cmdline := rootfs.BuildCmdline(imageParameters, e.bootSet.KernelParameters, fragments, e.sess.SessionID)

	if err := e.deps.BootScript.Register(ctx, nodes, cmdline, artifacts.KernelURL, artifacts.InitrdURL); err != nil {
		return trace.Wrap(err)
	}

	onAlready, err := e.deps.Power.NodesOn(ctx, nodes)
	if err != nil {
		return trace.Wrap(err)
	}
	toPowerOn := nodes.Difference(onAlready)

	if len(toPowerOn) > 0 {
		reason := fmt.Sprintf("BOA session %s", e.sess.SessionID)
		powerFailed, errors, err := e.deps.Power.Power(ctx, toPowerOn, true, false, reason)
		if err != nil {
			return trace.Wrap(err)
		}
		if len(errors) > 0 {
			p.UpdateErrors(ctx, errors)
		}
		if len(powerFailed) > 0 {
			p.MoveNodes(ctx, status.CategoryInProgress, status.CategoryFailed, powerFailed.Slice())
			e.failed = e.failed.Union(powerFailed)
		}
	}

	waitSet := e.active()
	if len(waitSet) == 0 {
		return boaerror.AllNodesFailed(string(e.sess.Operation))
	}

	survivors, err := e.deps.Waiter.WaitForState(ctx, waitSet, "Ready", false,
		e.cfg.NodeStateCheckSleepInterval, e.cfg.NodeStateCheckNumberOfRetries,
		statewaiter.Params{Phase: p, SrcCategory: status.CategoryInProgress, DstCategory: status.CategorySucceeded})
	if err != nil {
		e.failed = e.failed.Union(waitSet)
		return trace.Wrap(err)
	}
	e.failed = e.failed.Union(waitSet.Difference(survivors))
	return nil
}

// waitForConfiguration waits for the active nodes to reach a terminal
// configuration status. It is a noop (nodes moved to excluded) when
// CFS is disabled for this Session (spec.md §4.10).
func (e *Executor) waitForConfiguration(ctx context.Context) error {
	p := e.phases[session.PhaseWaitForConfiguration]
	nodes := e.active()

	if !e.sess.EnableCfs {
		p.MoveNodes(ctx, status.CategoryNotStarted, status.CategoryExcluded, nodes.Slice())
		return nil
	}

	p.MoveNodes(ctx, status.CategoryNotStarted, status.CategoryInProgress, nodes.Slice())

	failed, err := e.deps.Configuration.WaitForConfiguration(ctx, nodes, p, configuration.WaitParams{
		MaximumDuration:  e.cfg.ConfigurationTimeout,
		CheckInterval:    e.cfg.CfsCompletionSleepInterval,
		SuccessThreshold: e.cfg.ConfigurationSuccessThreshold,
	})
	e.failed = e.failed.Union(failed)
	return trace.Wrap(err)
}

func nowPtr() *string {
	s := time.Now().UTC().Format(time.RFC3339)
	return &s
}
