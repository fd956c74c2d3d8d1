package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/songzhibin97/jobflow/audit"
	"github.com/songzhibin97/jobflow/events"
	"github.com/songzhibin97/jobflow/mail"
	"github.com/songzhibin97/jobflow/metrics"
	"github.com/songzhibin97/jobflow/storage"
	"github.com/songzhibin97/jobflow/types"
)

var fixedNow = time.Date(2024, 6, 10, 15, 30, 0, 0, time.UTC)

// MockGenerator is a simple ID generator for testing.
type MockGenerator struct {
	mu sync.Mutex
	id uint64
}

func (g *MockGenerator) NextID() (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.id++
	return g.id, nil
}

// MockMailer records sent e-mails and can be made to fail.
type MockMailer struct {
	mu    sync.Mutex
	sent  []mail.Email
	err   error
	panic bool
}

func (m *MockMailer) Send(_ context.Context, email mail.Email) error {
	if m.panic {
		panic("mailer exploded")
	}
	if m.err != nil {
		return m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, email)
	return nil
}

func (m *MockMailer) Sent() []mail.Email {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]mail.Email(nil), m.sent...)
}

// MockStorage wraps MemoryStorage, recording updates and injecting failures.
type MockStorage struct {
	*storage.MemoryStorage
	mu          sync.Mutex
	updates     []types.Record
	rulesErr    error
	failOnKinds map[string]bool
}

func NewMockStorage() *MockStorage {
	return &MockStorage{MemoryStorage: storage.NewMemoryStorage(), failOnKinds: map[string]bool{}}
}

func (s *MockStorage) ActiveRules(ctx context.Context, organizationID string) ([]types.WorkflowRule, error) {
	if s.rulesErr != nil {
		return nil, s.rulesErr
	}
	return s.MemoryStorage.ActiveRules(ctx, organizationID)
}

func (s *MockStorage) Create(ctx context.Context, kind string, rec types.Record) (types.Record, error) {
	if s.failOnKinds[kind] {
		return nil, errors.New("create " + kind + " failed")
	}
	return s.MemoryStorage.Create(ctx, kind, rec)
}

func (s *MockStorage) Update(ctx context.Context, kind, id string, patch types.Record) (types.Record, error) {
	s.mu.Lock()
	s.updates = append(s.updates, patch.Clone())
	s.mu.Unlock()
	return s.MemoryStorage.Update(ctx, kind, id, patch)
}

func (s *MockStorage) Updates() []types.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.Record(nil), s.updates...)
}

type MockAudit struct {
	mu      sync.Mutex
	entries []types.AuditEntry
	ctxErrs []error
	err     error
}

func (a *MockAudit) Record(ctx context.Context, e types.AuditEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
	a.ctxErrs = append(a.ctxErrs, ctx.Err())
	return a.err
}

type fixture struct {
	engine  *Engine
	store   *MockStorage
	mailer  *MockMailer
	audit   *MockAudit
	metrics *metrics.Metrics
	logs    *observer.ObservedLogs
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	f := &fixture{
		store:   NewMockStorage(),
		mailer:  &MockMailer{},
		audit:   &MockAudit{},
		metrics: metrics.New(prometheus.NewRegistry()),
		logs:    logs,
	}
	base := []Option{
		WithAudit(f.audit),
		WithMetrics(f.metrics),
		WithLogger(zap.New(core)),
		WithClock(func() time.Time { return fixedNow }),
	}
	engine, err := NewEngine(&MockGenerator{}, f.store, f.mailer, append(base, opts...)...)
	require.NoError(t, err)
	f.engine = engine
	return f
}

func (f *fixture) addRule(t *testing.T, rule types.WorkflowRule) {
	t.Helper()
	if rule.OrganizationID == "" {
		rule.OrganizationID = "org-1"
	}
	if rule.Name == "" {
		rule.Name = rule.ID
	}
	rule.IsActive = true
	require.NoError(t, f.store.SaveRule(context.Background(), rule))
}

func (f *fixture) addJob(t *testing.T, job types.Record) {
	t.Helper()
	_, err := f.store.MemoryStorage.Create(context.Background(), types.KindJob, job)
	require.NoError(t, err)
}

func (f *fixture) records(t *testing.T, kind string) []types.Record {
	t.Helper()
	recs, err := f.store.Filter(context.Background(), kind, nil)
	require.NoError(t, err)
	return recs
}

func (f *fixture) executionCount(t *testing.T, id string) int64 {
	t.Helper()
	rule, err := f.store.GetRule(context.Background(), id)
	require.NoError(t, err)
	return rule.ExecutionCount
}

func baseJob() types.Record {
	return types.Record{
		"id":              "job-1",
		"organization_id": "org-1",
		"workspace_id":    "ws-1",
		"title":           "Kitchen remodel",
		"status":          "completed",
		"priority":        "high",
		"value":           12000,
		"assigned_to":     "tech@example.com",
		"customer_id":     "cust-1",
		"customer_name":   "Dana Reyes",
	}
}

func jobUpdate(oldData, newData types.Record) types.ChangeEvent {
	return types.ChangeEvent{
		Event:   types.EventMeta{EntityName: types.KindJob, Type: types.OperationUpdate},
		Data:    newData,
		OldData: oldData,
	}
}

func statusChange(from, to string) (types.Record, types.Record) {
	oldJob := baseJob()
	oldJob["status"] = from
	newJob := baseJob()
	newJob["status"] = to
	return oldJob, newJob
}

func completedRule(id string, actions ...types.ActionSpec) types.WorkflowRule {
	return types.WorkflowRule{
		ID:      id,
		Trigger: types.Trigger{Event: "status_change", ToStatus: "completed"},
		Actions: actions,
	}
}

func TestNewEngineRequiresCollaborators(t *testing.T) {
	store := storage.NewMemoryStorage()

	_, err := NewEngine(nil, store, &MockMailer{})
	assert.ErrorIs(t, err, ErrGeneratorRequired)
	_, err = NewEngine(&MockGenerator{}, nil, &MockMailer{})
	assert.ErrorIs(t, err, ErrStorageRequired)
	_, err = NewEngine(&MockGenerator{}, store, nil)
	assert.ErrorIs(t, err, ErrMailerRequired)
}

func TestHandleEventSkipsOtherEvents(t *testing.T) {
	f := newFixture(t)
	f.addRule(t, types.WorkflowRule{ID: "any", Trigger: types.Trigger{Event: "anything"}})

	tests := []types.EventMeta{
		{EntityName: types.KindJob, Type: types.OperationCreate},
		{EntityName: types.KindCustomer, Type: types.OperationUpdate},
		{},
	}
	for _, meta := range tests {
		res, err := f.engine.HandleEvent(context.Background(), types.ChangeEvent{Event: meta, Data: baseJob()})
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.True(t, res.Skipped)
		assert.Zero(t, res.Executed)
	}

	job := baseJob()
	delete(job, "organization_id")
	res, err := f.engine.HandleEvent(context.Background(), jobUpdate(nil, job))
	require.NoError(t, err)
	assert.True(t, res.Skipped)

	assert.Equal(t, int64(0), f.executionCount(t, "any"))
	assert.Equal(t, 4.0, testutil.ToFloat64(f.metrics.Events.WithLabelValues(ResultSkipped)))
}

func TestEndToEndUpdateFieldOnCompletion(t *testing.T) {
	f := newFixture(t)
	f.addRule(t, types.WorkflowRule{
		ID:   "archive",
		Name: "Archive completed jobs",
		Trigger: types.Trigger{
			Event:    "status_change",
			ToStatus: "completed",
		},
		Actions: []types.ActionSpec{
			{Type: types.ActionUpdateField, Config: map[string]interface{}{"field": "archived", "value": true}},
		},
	})
	f.addJob(t, types.Record{"id": "job-1", "organization_id": "org-1", "status": "in_progress"})

	res, err := f.engine.HandleEvent(context.Background(), jobUpdate(
		types.Record{"id": "job-1", "organization_id": "org-1", "status": "in_progress"},
		types.Record{"id": "job-1", "organization_id": "org-1", "status": "completed"},
	))
	require.NoError(t, err)

	assert.Equal(t, types.Result{Success: true, Executed: 1, Rules: []string{"Archive completed jobs"}}, res)
	assert.Equal(t, []types.Record{{"archived": true}}, f.store.Updates())
	assert.Equal(t, int64(1), f.executionCount(t, "archive"))

	rule, err := f.store.GetRule(context.Background(), "archive")
	require.NoError(t, err)
	require.NotNil(t, rule.LastExecutedAt)
	assert.True(t, rule.LastExecutedAt.Equal(fixedNow))

	jobs := f.records(t, types.KindJob)
	require.Len(t, jobs, 1)
	assert.Equal(t, true, jobs[0]["archived"])
}

func TestStatusChangeTransitions(t *testing.T) {
	f := newFixture(t)
	f.addRule(t, types.WorkflowRule{
		ID:      "started",
		Trigger: types.Trigger{Event: "status_change", ToStatus: "in_progress"},
	})

	oldJob, newJob := statusChange("draft", "in_progress")
	res, err := f.engine.HandleEvent(context.Background(), jobUpdate(oldJob, newJob))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Executed)

	oldJob, newJob = statusChange("in_progress", "in_progress")
	res, err = f.engine.HandleEvent(context.Background(), jobUpdate(oldJob, newJob))
	require.NoError(t, err)
	assert.Equal(t, 0, res.Executed)
	assert.Equal(t, []string{}, res.Rules)

	assert.Equal(t, int64(1), f.executionCount(t, "started"))
}

func TestMinValueGatesExecution(t *testing.T) {
	f := newFixture(t)
	minValue := 5000.0
	rule := completedRule("big-jobs", types.ActionSpec{
		Type:   types.ActionUpdateField,
		Config: map[string]interface{}{"field": "vip", "value": true},
	})
	rule.Trigger.Conditions = &types.Conditions{MinValue: &minValue}
	f.addRule(t, rule)

	oldJob, newJob := statusChange("in_progress", "completed")
	newJob["value"] = 3000
	res, err := f.engine.HandleEvent(context.Background(), jobUpdate(oldJob, newJob))
	require.NoError(t, err)

	assert.Equal(t, 0, res.Executed)
	assert.Empty(t, f.store.Updates())
	assert.Equal(t, int64(0), f.executionCount(t, "big-jobs"))
}

func TestRedeliveryExecutesTwice(t *testing.T) {
	f := newFixture(t)
	f.addRule(t, completedRule("notify", types.ActionSpec{
		Type:   types.ActionNotifyTeam,
		Config: map[string]interface{}{"members": []interface{}{"ops@example.com"}, "message": "{{job_title}} done"},
	}))

	oldJob, newJob := statusChange("in_progress", "completed")
	ev := jobUpdate(oldJob, newJob)
	for i := 0; i < 2; i++ {
		res, err := f.engine.HandleEvent(context.Background(), ev)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Executed)
	}

	assert.Equal(t, int64(2), f.executionCount(t, "notify"))
	assert.Len(t, f.records(t, types.KindActivity), 2)
}

func TestOnlyOrganizationRulesAreEvaluated(t *testing.T) {
	f := newFixture(t)
	f.addRule(t, completedRule("mine"))
	other := completedRule("theirs")
	other.OrganizationID = "org-2"
	f.addRule(t, other)
	inactive := completedRule("inactive")
	inactive.OrganizationID = "org-1"
	inactive.Name = "inactive"
	require.NoError(t, f.store.SaveRule(context.Background(), inactive))

	oldJob, newJob := statusChange("in_progress", "completed")
	res, err := f.engine.HandleEvent(context.Background(), jobUpdate(oldJob, newJob))
	require.NoError(t, err)

	assert.Equal(t, []string{"mine"}, res.Rules)
	assert.Equal(t, int64(0), f.executionCount(t, "theirs"))
	assert.Equal(t, int64(0), f.executionCount(t, "inactive"))
}

func TestRuleLoadFailureIsTopLevelError(t *testing.T) {
	f := newFixture(t)
	f.store.rulesErr = errors.New("connection refused")

	oldJob, newJob := statusChange("in_progress", "completed")
	_, err := f.engine.HandleEvent(context.Background(), jobUpdate(oldJob, newJob))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Events.WithLabelValues(ResultFailed)))
}

func TestAssignTasks(t *testing.T) {
	f := newFixture(t)
	f.addRule(t, completedRule("inspection", types.ActionSpec{
		Type: types.ActionAssignTasks,
		Config: map[string]interface{}{
			"task_template": []interface{}{
				map[string]interface{}{"title": "Inspect", "priority": "high", "estimated_hours": 1.5},
				map[string]interface{}{"title": "Invoice", "description": "Send invoice"},
			},
		},
	}))

	oldJob, newJob := statusChange("in_progress", "completed")
	_, err := f.engine.HandleEvent(context.Background(), jobUpdate(oldJob, newJob))
	require.NoError(t, err)

	tasks := f.records(t, types.KindTask)
	require.Len(t, tasks, 2)
	assert.Equal(t, "Inspect", tasks[0]["title"])
	assert.Equal(t, 1.5, tasks[0]["estimated_hours"])
	assert.Equal(t, "Invoice", tasks[1]["title"])
	for _, task := range tasks {
		assert.Equal(t, "tech@example.com", task["assigned_to"])
		assert.Equal(t, "job-1", task["job_id"])
		assert.Equal(t, "org-1", task["organization_id"])
		assert.Equal(t, "ws-1", task["workspace_id"])
		assert.Equal(t, TaskStatus, task["status"])
	}
}

func TestAssignTasksOverridesAssignee(t *testing.T) {
	f := newFixture(t)
	f.addRule(t, completedRule("override", types.ActionSpec{
		Type: types.ActionAssignTasks,
		Config: map[string]interface{}{
			"assign_to":     "lead@example.com",
			"task_template": []interface{}{map[string]interface{}{"title": "Review"}},
		},
	}))

	oldJob, newJob := statusChange("in_progress", "completed")
	_, err := f.engine.HandleEvent(context.Background(), jobUpdate(oldJob, newJob))
	require.NoError(t, err)

	tasks := f.records(t, types.KindTask)
	require.Len(t, tasks, 1)
	assert.Equal(t, "lead@example.com", tasks[0]["assigned_to"])
}

func TestAssignTasksWithoutTemplateCreatesNothing(t *testing.T) {
	configs := map[string]map[string]interface{}{
		"missing":  nil,
		"empty":    {"task_template": []interface{}{}},
		"not-list": {"task_template": "Inspect"},
	}
	for name, cfg := range configs {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			f.addRule(t, completedRule("tasks", types.ActionSpec{Type: types.ActionAssignTasks, Config: cfg}))

			oldJob, newJob := statusChange("in_progress", "completed")
			res, err := f.engine.HandleEvent(context.Background(), jobUpdate(oldJob, newJob))
			require.NoError(t, err)

			assert.Equal(t, 1, res.Executed)
			assert.Empty(t, f.records(t, types.KindTask))
			assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Actions.WithLabelValues(types.ActionAssignTasks, metrics.OutcomeSuccess)))
		})
	}
}

func sendEmailRule(recipient string) types.WorkflowRule {
	return completedRule("mail", types.ActionSpec{
		Type: types.ActionSendEmail,
		Config: map[string]interface{}{
			"recipient_type": recipient,
			"subject":        "{{job_title}} is {{job_status}}",
			"body":           "Hi {{customer_name}}, {{unknown}} stays.",
		},
	})
}

func TestSendEmailToCustomer(t *testing.T) {
	f := newFixture(t)
	f.addRule(t, sendEmailRule(types.RecipientCustomer))
	_, err := f.store.MemoryStorage.Create(context.Background(), types.KindCustomer, types.Record{
		"id": "cust-1", "name": "Dana R.", "email": "dana@example.com",
	})
	require.NoError(t, err)

	oldJob, newJob := statusChange("in_progress", "completed")
	_, err = f.engine.HandleEvent(context.Background(), jobUpdate(oldJob, newJob))
	require.NoError(t, err)

	sent := f.mailer.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, mail.Email{
		To:      "dana@example.com",
		Subject: "Kitchen remodel is completed",
		Body:    "Hi Dana R., {{unknown}} stays.",
	}, sent[0])

	comms := f.records(t, types.KindCommunication)
	require.Len(t, comms, 1)
	assert.Equal(t, "cust-1", comms[0]["customer_id"])
	assert.Equal(t, "job-1", comms[0]["job_id"])
	assert.Equal(t, "outbound", comms[0]["direction"])
	assert.Equal(t, "Kitchen remodel is completed", comms[0]["subject"])
}

func TestSendEmailCustomerWithoutEmail(t *testing.T) {
	f := newFixture(t)
	f.addRule(t, sendEmailRule(types.RecipientCustomer))
	_, err := f.store.MemoryStorage.Create(context.Background(), types.KindCustomer, types.Record{"id": "cust-1", "name": "Dana"})
	require.NoError(t, err)

	oldJob, newJob := statusChange("in_progress", "completed")
	res, err := f.engine.HandleEvent(context.Background(), jobUpdate(oldJob, newJob))
	require.NoError(t, err)

	assert.Equal(t, 1, res.Executed)
	assert.Empty(t, f.mailer.Sent())
	assert.Empty(t, f.records(t, types.KindCommunication))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Actions.WithLabelValues(types.ActionSendEmail, metrics.OutcomeSuccess)))
}

func TestSendEmailToAssignedUser(t *testing.T) {
	f := newFixture(t)
	f.addRule(t, sendEmailRule(types.RecipientAssignedUser))

	oldJob, newJob := statusChange("in_progress", "completed")
	_, err := f.engine.HandleEvent(context.Background(), jobUpdate(oldJob, newJob))
	require.NoError(t, err)

	sent := f.mailer.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "tech@example.com", sent[0].To)
	assert.Equal(t, "Hi Dana Reyes, {{unknown}} stays.", sent[0].Body)
	assert.Empty(t, f.records(t, types.KindCommunication))

	oldJob, newJob = statusChange("in_progress", "completed")
	delete(newJob, "assigned_to")
	_, err = f.engine.HandleEvent(context.Background(), jobUpdate(oldJob, newJob))
	require.NoError(t, err)
	assert.Len(t, f.mailer.Sent(), 1)
}

func TestSendEmailUnknownRecipientFails(t *testing.T) {
	f := newFixture(t)
	f.addRule(t, sendEmailRule("everyone"))

	oldJob, newJob := statusChange("in_progress", "completed")
	_, err := f.engine.HandleEvent(context.Background(), jobUpdate(oldJob, newJob))
	require.NoError(t, err)

	assert.Empty(t, f.mailer.Sent())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Actions.WithLabelValues(types.ActionSendEmail, metrics.OutcomeFailure)))
}

func TestCreateFollowUp(t *testing.T) {
	f := newFixture(t)
	f.addRule(t, completedRule("follow-up",
		types.ActionSpec{Type: types.ActionCreateFollowUp, Config: map[string]interface{}{
			"days_after":       "3",
			"title_template":   "Check in: {{original_job}}",
			"inherit_customer": true,
		}},
		types.ActionSpec{Type: types.ActionCreateFollowUp},
	))

	oldJob, newJob := statusChange("in_progress", "completed")
	_, err := f.engine.HandleEvent(context.Background(), jobUpdate(oldJob, newJob))
	require.NoError(t, err)

	jobs := f.records(t, types.KindJob)
	require.Len(t, jobs, 2)

	first := jobs[0]
	assert.Equal(t, "Check in: Kitchen remodel", first["title"])
	assert.Equal(t, FollowUpStatus, first["status"])
	assert.Equal(t, "JOB-1", first["job_number"])
	assert.Equal(t, "2024-06-13", first["scheduled_date"])
	assert.Equal(t, "cust-1", first["customer_id"])
	assert.Equal(t, "Dana Reyes", first["customer_name"])
	assert.Equal(t, "job-1", first["parent_job_id"])

	second := jobs[1]
	assert.Equal(t, "Follow-up: Kitchen remodel", second["title"])
	assert.Equal(t, "JOB-2", second["job_number"])
	assert.Equal(t, "2024-06-17", second["scheduled_date"])
	assert.NotContains(t, second, "customer_id")
}

func TestNotifyTeam(t *testing.T) {
	f := newFixture(t)
	f.addRule(t, completedRule("notify",
		types.ActionSpec{Type: types.ActionNotifyTeam, Config: map[string]interface{}{
			"members": []interface{}{"a@example.com", "b@example.com"},
			"message": "{{job_title}} finished",
		}},
		types.ActionSpec{Type: types.ActionNotifyTeam, Config: map[string]interface{}{"message": "nobody"}},
	))

	oldJob, newJob := statusChange("in_progress", "completed")
	_, err := f.engine.HandleEvent(context.Background(), jobUpdate(oldJob, newJob))
	require.NoError(t, err)

	activities := f.records(t, types.KindActivity)
	require.Len(t, activities, 2)
	assert.Equal(t, "a@example.com", activities[0]["user_email"])
	assert.Equal(t, "b@example.com", activities[1]["user_email"])
	for _, a := range activities {
		assert.Equal(t, "Kitchen remodel finished", a["message"])
		assert.Equal(t, audit.SystemActor, a["actor"])
	}
}

func TestUpdateFieldNoOps(t *testing.T) {
	f := newFixture(t)
	f.addRule(t, completedRule("noop",
		types.ActionSpec{Type: types.ActionUpdateField, Config: map[string]interface{}{"value": true}},
		types.ActionSpec{Type: types.ActionUpdateField, Config: map[string]interface{}{"field": "archived"}},
	))
	f.addJob(t, baseJob())

	oldJob, newJob := statusChange("in_progress", "completed")
	_, err := f.engine.HandleEvent(context.Background(), jobUpdate(oldJob, newJob))
	require.NoError(t, err)
	assert.Empty(t, f.store.Updates())
}

func TestUpdateFieldExplicitNull(t *testing.T) {
	f := newFixture(t)
	f.addRule(t, completedRule("clear", types.ActionSpec{
		Type:   types.ActionUpdateField,
		Config: map[string]interface{}{"field": "assigned_to", "value": nil},
	}))
	f.addJob(t, baseJob())

	oldJob, newJob := statusChange("in_progress", "completed")
	_, err := f.engine.HandleEvent(context.Background(), jobUpdate(oldJob, newJob))
	require.NoError(t, err)
	assert.Equal(t, []types.Record{{"assigned_to": nil}}, f.store.Updates())
}

func TestActionFailuresAreIsolated(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	bus := events.NewEventBus()
	defer bus.Stop()

	var mu sync.Mutex
	var failures, executions []events.Event
	var wg sync.WaitGroup
	wg.Add(3)
	bus.SubscribeFunc(events.TypeActionFailed, func(ctx context.Context, ev events.Event) error {
		defer wg.Done()
		mu.Lock()
		defer mu.Unlock()
		failures = append(failures, ev)
		return nil
	})
	bus.SubscribeFunc(events.TypeRuleExecuted, func(ctx context.Context, ev events.Event) error {
		defer wg.Done()
		mu.Lock()
		defer mu.Unlock()
		executions = append(executions, ev)
		return nil
	})

	f := newFixture(t, WithEventBus(bus), WithLogger(zap.New(core)))
	f.mailer.err = errors.New("smtp down")
	f.addRule(t, completedRule("first",
		types.ActionSpec{Type: types.ActionSendEmail, Config: map[string]interface{}{"recipient_type": "assigned_user"}},
		types.ActionSpec{Type: "launch_rocket"},
		types.ActionSpec{Type: types.ActionUpdateField, Config: map[string]interface{}{"field": "archived", "value": true}},
	))
	f.addJob(t, baseJob())

	oldJob, newJob := statusChange("in_progress", "completed")
	res, err := f.engine.HandleEvent(context.Background(), jobUpdate(oldJob, newJob))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Executed)

	assert.Equal(t, []types.Record{{"archived": true}}, f.store.Updates())
	assert.Equal(t, int64(1), f.executionCount(t, "first"))
	assert.Equal(t, 2, logs.FilterMessage("action failed").Len())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Actions.WithLabelValues(types.ActionSendEmail, metrics.OutcomeFailure)))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Actions.WithLabelValues(types.ActionUpdateField, metrics.OutcomeSuccess)))

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("notifications not delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, failures, 2)
	require.Len(t, executions, 1)
	assert.Equal(t, "first", executions[0].RuleID)
	assert.Equal(t, 2, executions[0].Data["failed_actions"])
}

func TestFailingRuleDoesNotStopOtherRules(t *testing.T) {
	f := newFixture(t)
	f.store.failOnKinds[types.KindTask] = true
	f.addRule(t, completedRule("a-tasks", types.ActionSpec{
		Type:   types.ActionAssignTasks,
		Config: map[string]interface{}{"task_template": []interface{}{map[string]interface{}{"title": "x"}}},
	}))
	f.addRule(t, completedRule("b-archive", types.ActionSpec{
		Type:   types.ActionUpdateField,
		Config: map[string]interface{}{"field": "archived", "value": true},
	}))
	f.addJob(t, baseJob())

	oldJob, newJob := statusChange("in_progress", "completed")
	res, err := f.engine.HandleEvent(context.Background(), jobUpdate(oldJob, newJob))
	require.NoError(t, err)

	assert.Equal(t, []string{"a-tasks", "b-archive"}, res.Rules)
	assert.Equal(t, int64(1), f.executionCount(t, "a-tasks"))
	assert.Equal(t, int64(1), f.executionCount(t, "b-archive"))
	assert.Len(t, f.store.Updates(), 1)
}

func TestPanickingActionIsContained(t *testing.T) {
	f := newFixture(t)
	f.mailer.panic = true
	f.addRule(t, completedRule("panics",
		types.ActionSpec{Type: types.ActionSendEmail, Config: map[string]interface{}{"recipient_type": "assigned_user"}},
		types.ActionSpec{Type: types.ActionUpdateField, Config: map[string]interface{}{"field": "archived", "value": true}},
	))
	f.addJob(t, baseJob())

	oldJob, newJob := statusChange("in_progress", "completed")
	require.NotPanics(t, func() {
		_, err := f.engine.HandleEvent(context.Background(), jobUpdate(oldJob, newJob))
		require.NoError(t, err)
	})
	assert.Len(t, f.store.Updates(), 1)
	assert.Equal(t, int64(1), f.executionCount(t, "panics"))
}

func TestUnknownTriggerEvents(t *testing.T) {
	rule := types.WorkflowRule{
		ID:      "priority",
		Trigger: types.Trigger{Event: "priority_change", Conditions: &types.Conditions{Priority: "high"}},
	}

	t.Run("permissive", func(t *testing.T) {
		f := newFixture(t)
		f.addRule(t, rule)
		oldJob, newJob := statusChange("completed", "completed")
		res, err := f.engine.HandleEvent(context.Background(), jobUpdate(oldJob, newJob))
		require.NoError(t, err)
		assert.Equal(t, 1, res.Executed)
		assert.Equal(t, 1, f.logs.FilterMessage("unrecognized trigger event").Len())
	})

	t.Run("strict", func(t *testing.T) {
		f := newFixture(t, WithStrictEvents(true))
		f.addRule(t, rule)
		oldJob, newJob := statusChange("completed", "completed")
		res, err := f.engine.HandleEvent(context.Background(), jobUpdate(oldJob, newJob))
		require.NoError(t, err)
		assert.Equal(t, 0, res.Executed)
	})
}

func TestBrokenExpressionFailsClosed(t *testing.T) {
	f := newFixture(t)
	rule := completedRule("broken")
	rule.Trigger.Conditions = &types.Conditions{Expression: "new.value >"}
	f.addRule(t, rule)

	oldJob, newJob := statusChange("in_progress", "completed")
	res, err := f.engine.HandleEvent(context.Background(), jobUpdate(oldJob, newJob))
	require.NoError(t, err)
	assert.Equal(t, 0, res.Executed)
	assert.Equal(t, 1, f.logs.FilterMessage("trigger condition failed").Len())
}

func TestAuditEntryPerExecutedRule(t *testing.T) {
	f := newFixture(t)
	f.audit.err = errors.New("audit down")
	f.addRule(t, completedRule("audited"))

	oldJob, newJob := statusChange("in_progress", "completed")
	res, err := f.engine.HandleEvent(context.Background(), jobUpdate(oldJob, newJob))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Executed)

	require.Len(t, f.audit.entries, 1)
	entry := f.audit.entries[0]
	assert.Equal(t, audit.ActionRuleExecuted, entry.Action)
	assert.Equal(t, types.KindWorkflowRule, entry.ResourceType)
	assert.Equal(t, "audited", entry.ResourceID)
	assert.Equal(t, "org-1", entry.OrganizationID)
	assert.Equal(t, "job-1", entry.Metadata["job_id"])
	assert.Equal(t, 1, f.logs.FilterMessage("audit entry not recorded").Len())
}

func TestSubscribeHandlesBusEvents(t *testing.T) {
	f := newFixture(t)
	f.addRule(t, completedRule("via-bus"))

	bus := events.NewEventBus()
	defer bus.Stop()
	f.engine.Subscribe(bus)

	oldJob, newJob := statusChange("in_progress", "completed")
	change := jobUpdate(oldJob, newJob)
	errs := bus.PublishSync(context.Background(), events.Event{Type: events.TypeEntityChanged, Change: &change})
	assert.Empty(t, errs)
	assert.Equal(t, int64(1), f.executionCount(t, "via-bus"))

	errs = bus.PublishSync(context.Background(), events.Event{Type: events.TypeEntityChanged})
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], errNoChange)
}

// cancelingMailer cancels the request context while the rule is running,
// the way a disconnecting HTTP client would.
type cancelingMailer struct {
	cancel context.CancelFunc
}

func (m cancelingMailer) Send(context.Context, mail.Email) error {
	m.cancel()
	return nil
}

func TestCallerCancellationStillRecordsExecution(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newFixture(t)
	engine, err := NewEngine(&MockGenerator{}, f.store, cancelingMailer{cancel: cancel},
		WithAudit(f.audit),
		WithClock(func() time.Time { return fixedNow }),
	)
	require.NoError(t, err)

	f.addRule(t, completedRule("cancelled",
		types.ActionSpec{Type: types.ActionSendEmail, Config: map[string]interface{}{"recipient_type": "assigned_user"}},
		types.ActionSpec{Type: types.ActionUpdateField, Config: map[string]interface{}{"field": "archived", "value": true}},
	))
	f.addJob(t, baseJob())

	oldJob, newJob := statusChange("in_progress", "completed")
	res, err := engine.HandleEvent(ctx, jobUpdate(oldJob, newJob))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Executed)

	// The update ran after cancellation and failed, but the rule still counts.
	jobs := f.records(t, types.KindJob)
	require.Len(t, jobs, 1)
	assert.False(t, jobs[0].Has("archived"))
	assert.Equal(t, int64(1), f.executionCount(t, "cancelled"))
	rule, err := f.store.GetRule(context.Background(), "cancelled")
	require.NoError(t, err)
	require.NotNil(t, rule.LastExecutedAt)
	assert.True(t, fixedNow.Equal(*rule.LastExecutedAt))

	f.audit.mu.Lock()
	defer f.audit.mu.Unlock()
	require.Len(t, f.audit.entries, 1)
	assert.NoError(t, f.audit.ctxErrs[0])
}
