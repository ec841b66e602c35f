package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/GoCodeAlone/taskloop/comms"
	"github.com/GoCodeAlone/taskloop/task"
)

// DefaultDelegateTimeout bounds one blocking sub-task.
const DefaultDelegateTimeout = 10 * time.Minute

// SubTaskKindPrefix prefixes the kind of every delegated record.
const SubTaskKindPrefix = "sub_task:"

// waitInterval is how often a delegate polls a child it could not claim.
var waitInterval = 200 * time.Millisecond

// DelegateCapability spawns a child record for a specialized profile and
// blocks until the child reaches a terminal state.
type DelegateCapability struct {
	runner  *Runner
	timeout time.Duration
}

// NewDelegateCapability creates the delegate capability. A non-positive
// timeout uses DefaultDelegateTimeout.
func NewDelegateCapability(r *Runner, timeout time.Duration) *DelegateCapability {
	if timeout <= 0 {
		timeout = DefaultDelegateTimeout
	}
	return &DelegateCapability{runner: r, timeout: timeout}
}

func (d *DelegateCapability) Name() string { return DelegateName }

func (d *DelegateCapability) Description() string {
	return "Hand a self-contained piece of work to a specialized sub-agent and wait for its report"
}

func (d *DelegateCapability) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"profile": map[string]any{
				"type":        "string",
				"enum":        anySlice(ProfileNames()),
				"description": "Sub-agent profile",
			},
			"instruction": map[string]any{
				"type":        "string",
				"description": "Complete, self-contained instructions for the sub-agent",
			},
		},
		"required": []any{"profile", "instruction"},
	}
}

// Timeout overrides the registry's per-call timeout; sub-tasks run whole loops.
func (d *DelegateCapability) Timeout() time.Duration { return d.timeout }

func (d *DelegateCapability) Execute(ctx context.Context, args map[string]any) (any, error) {
	if depthFromContext(ctx) > 0 {
		return nil, errors.New("sub-tasks cannot delegate further")
	}
	profileName, _ := args["profile"].(string)
	profile, err := LookupProfile(profileName)
	if err != nil {
		return nil, err
	}
	instruction, _ := args["instruction"].(string)
	if strings.TrimSpace(instruction) == "" {
		return nil, errors.New("instruction is required")
	}

	store := d.runner.store
	parentID := RecordIDFromContext(ctx)

	raw, err := task.EncodePayload(task.Payload{
		Prompt:              instruction,
		SystemPrompt:        profile.SystemPrompt,
		AllowedCapabilities: profile.allowed(d.runner.loop.registry.Names()),
		Restricted:          true,
		Profile:             profile.Name,
	})
	if err != nil {
		return nil, fmt.Errorf("encode sub-task payload: %w", err)
	}
	child := &task.Record{
		Kind:       SubTaskKindPrefix + profile.Name,
		ParentID:   parentID,
		Payload:    raw,
		MaxRetries: -1,
	}
	id, err := store.Push(ctx, child)
	if err != nil {
		return nil, fmt.Errorf("push sub-task: %w", err)
	}
	d.runner.publish(ctx, comms.EventDelegated, child, excerpt(instruction))

	executor := "delegate"
	if parentID != "" {
		executor = "delegate:" + parentID
	}
	claimed, err := store.ClaimByID(ctx, id, executor)
	if errors.Is(err, task.ErrInvalidTransition) {
		// Someone else picked the child up; wait for their outcome.
		done, werr := d.wait(ctx, id)
		if werr != nil {
			return nil, werr
		}
		return report(profile.Name, done)
	}
	if err != nil {
		return nil, fmt.Errorf("claim sub-task %s: %w", id, err)
	}
	d.runner.publish(ctx, comms.EventClaimed, claimed, "")

	res, err := d.runner.Execute(withDepth(ctx, depthFromContext(ctx)+1), claimed)
	if err != nil {
		return nil, fmt.Errorf("sub-task %s (%s): %w", id, profile.Name, err)
	}
	return fmt.Sprintf("Sub-task report (%s)\n%s", profile.Name, res.Answer), nil
}

func (d *DelegateCapability) wait(ctx context.Context, id string) (*task.Record, error) {
	ticker := time.NewTicker(waitInterval)
	defer ticker.Stop()
	for {
		rec, err := d.runner.store.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("wait for sub-task %s: %w", id, err)
		}
		if rec.Terminal() {
			return rec, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("wait for sub-task %s: %w", id, ctx.Err())
		case <-ticker.C:
		}
	}
}

func report(profile string, rec *task.Record) (any, error) {
	if rec.Status == task.StatusFailed {
		return nil, fmt.Errorf("sub-task %s (%s): %s", rec.ID, profile, rec.Error)
	}
	return fmt.Sprintf("Sub-task report (%s)\n%s", profile, rec.Result), nil
}

func anySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
