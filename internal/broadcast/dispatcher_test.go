package broadcast

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/talkincode/wagate/internal/domain"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type fakeEnqueuer struct {
	tasks []*asynq.Task
	err   error
}

func (f *fakeEnqueuer) Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.tasks = append(f.tasks, task)
	return &asynq.TaskInfo{}, nil
}

func newDispatcherTest(t *testing.T, queue Enqueuer) (*Dispatcher, *gorm.DB, *miniredis.Miniredis) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn),
		&gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&domain.WaCampaign{}))

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return NewDispatcher(db, rdb, queue, 5*time.Minute), db, mr
}

func seedCampaign(t *testing.T, db *gorm.DB, c *domain.WaCampaign) {
	t.Helper()
	if c.TargetContacts == "" {
		c.TargetContacts = `["6281234567890"]`
	}
	require.NoError(t, db.Create(c).Error)
}

func TestPollEnqueuesProcessingCampaigns(t *testing.T) {
	queue := &fakeEnqueuer{}
	d, db, _ := newDispatcherTest(t, queue)

	seedCampaign(t, db, &domain.WaCampaign{ID: 1, DeviceId: 10, Message: "hi", Status: domain.CampaignProcessing})
	seedCampaign(t, db, &domain.WaCampaign{ID: 2, DeviceId: 10, Message: "hi", Status: domain.CampaignDraft})
	seedCampaign(t, db, &domain.WaCampaign{ID: 3, DeviceId: 10, Message: "hi", Status: domain.CampaignCompleted})

	n, err := d.PollAndEnqueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, queue.tasks, 1)
	assert.Equal(t, TypeCampaign, queue.tasks[0].Type())
}

func TestPollPromotesDueScheduledDrafts(t *testing.T) {
	queue := &fakeEnqueuer{}
	d, db, _ := newDispatcherTest(t, queue)

	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)
	seedCampaign(t, db, &domain.WaCampaign{ID: 1, DeviceId: 10, Message: "hi", Status: domain.CampaignDraft, ScheduledAt: &past})
	seedCampaign(t, db, &domain.WaCampaign{ID: 2, DeviceId: 10, Message: "hi", Status: domain.CampaignDraft, ScheduledAt: &future})
	seedCampaign(t, db, &domain.WaCampaign{ID: 3, DeviceId: 10, Message: "hi", Status: domain.CampaignDraft})

	n, err := d.PollAndEnqueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var promoted domain.WaCampaign
	require.NoError(t, db.First(&promoted, 1).Error)
	assert.Equal(t, domain.CampaignProcessing, promoted.Status)

	var untouched domain.WaCampaign
	require.NoError(t, db.First(&untouched, 2).Error)
	assert.Equal(t, domain.CampaignDraft, untouched.Status)
}

func TestPollDeduplicatesWithinWindow(t *testing.T) {
	queue := &fakeEnqueuer{}
	d, db, _ := newDispatcherTest(t, queue)

	seedCampaign(t, db, &domain.WaCampaign{ID: 1, DeviceId: 10, Message: "hi", Status: domain.CampaignProcessing})

	n, err := d.PollAndEnqueue(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// still processing on the next cycle: the guard must swallow it
	n, err = d.PollAndEnqueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Len(t, queue.tasks, 1)
}

func TestPollReenqueuesAfterDedupWindow(t *testing.T) {
	queue := &fakeEnqueuer{}
	d, db, mr := newDispatcherTest(t, queue)
	d.dedupTTL = 50 * time.Millisecond

	seedCampaign(t, db, &domain.WaCampaign{ID: 1, DeviceId: 10, Message: "hi", Status: domain.CampaignProcessing})

	n, err := d.PollAndEnqueue(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	time.Sleep(60 * time.Millisecond)
	mr.FastForward(time.Second)

	n, err = d.PollAndEnqueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n, "an expired window frees the campaign for redelivery")
	assert.Len(t, queue.tasks, 2)
}

func TestPollCrossInstanceDedup(t *testing.T) {
	queueA := &fakeEnqueuer{}
	dA, db, mr := newDispatcherTest(t, queueA)

	// second dispatcher instance sharing the same redis and database
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	queueB := &fakeEnqueuer{}
	dB := NewDispatcher(db, rdb, queueB, 5*time.Minute)

	seedCampaign(t, db, &domain.WaCampaign{ID: 1, DeviceId: 10, Message: "hi", Status: domain.CampaignProcessing})

	n, err := dA.PollAndEnqueue(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	n, err = dB.PollAndEnqueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n, "the redis claim must hold across instances")
	assert.Empty(t, queueB.tasks)
}

func TestPollEnqueueFailureMarksCampaignFailed(t *testing.T) {
	queue := &fakeEnqueuer{err: fmt.Errorf("broker down")}
	d, db, _ := newDispatcherTest(t, queue)

	seedCampaign(t, db, &domain.WaCampaign{ID: 1, DeviceId: 10, Message: "hi", Status: domain.CampaignProcessing})

	n, err := d.PollAndEnqueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	var campaign domain.WaCampaign
	require.NoError(t, db.First(&campaign, 1).Error)
	assert.Equal(t, domain.CampaignFailed, campaign.Status)
	assert.Contains(t, campaign.ErrorMessage, "enqueue failed")
}

func TestPollLocalGuardWhenRedisDown(t *testing.T) {
	queue := &fakeEnqueuer{}
	d, db, mr := newDispatcherTest(t, queue)

	seedCampaign(t, db, &domain.WaCampaign{ID: 1, DeviceId: 10, Message: "hi", Status: domain.CampaignProcessing})

	mr.Close()

	// dedup store gone: the in-process guard still applies
	n, err := d.PollAndEnqueue(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	n, err = d.PollAndEnqueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Len(t, queue.tasks, 1)
}
