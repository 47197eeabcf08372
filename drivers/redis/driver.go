// Package redis implements a queue driver on top of redis sorted sets.
//
// Keys, for prefix p and queue q:
//
//	p:jobs             hash, job id -> JSON encoded job
//	p:attempts         hash, job id -> deliveries so far
//	p:seq              counter used to keep push order inside a priority
//	p:q:ready          zset, score = priority*1e12 + seq
//	p:q:delayed        zset, score = unix ms the job becomes available
//	p:q:reserved       zset, score = unix ms the job was popped
//
// Moves between the sets run as lua scripts. Reservations older than the
// visibility timeout go back to the ready set on the next pop of the queue.
package redis

import (
	"context"
	stderr "errors"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/roadrunner-server/errors"
	"github.com/roadrunner-server/jobworker/job"
	"go.uber.org/zap"
)

const (
	pluginName string = "redis"

	// keeps push order inside a single priority
	priorityWeight float64 = 1e12
)

var (
	_ job.Driver    = (*Driver)(nil)
	_ job.Discarder = (*Driver)(nil)
	_ job.Pusher    = (*Driver)(nil)
)

type Driver struct {
	log    *zap.Logger
	client redis.UniversalClient
	prefix string
	batch  int64

	visibility time.Duration
}

// NewDriver connects to redis and checks the connection.
func NewDriver(ctx context.Context, cfg *Config, log *zap.Logger) (*Driver, error) {
	const op = errors.Op("redis_driver_new")

	if cfg == nil {
		cfg = &Config{}
	}
	cfg.InitDefaults()

	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Username:    cfg.Username,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})

	err := client.Ping(ctx).Err()
	if err != nil {
		_ = client.Close()
		return nil, errors.E(op, err)
	}

	return FromClient(client, cfg, log), nil
}

// FromClient wraps an existing client, the caller owns its lifecycle.
func FromClient(client redis.UniversalClient, cfg *Config, log *zap.Logger) *Driver {
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.InitDefaults()

	if log == nil {
		log = zap.NewNop()
	}

	return &Driver{
		log:    log.Named(pluginName),
		client: client,
		prefix: cfg.Prefix,
		batch:  cfg.PromoteBatch,

		visibility: cfg.VisibilityTimeout,
	}
}

func (d *Driver) Name() string {
	return pluginName
}

func (d *Driver) Close() error {
	return d.client.Close()
}

func (d *Driver) Push(ctx context.Context, j *job.Job) error {
	const op = errors.Op("redis_driver_push")

	if j == nil {
		return errors.E(op, errors.Str("job should not be nil"))
	}
	if j.Queue() == "" {
		return errors.E(op, errors.Errorf("job %s has no queue", j.ID()))
	}

	jb := j.Clone()
	if jb.Ident == "" {
		jb.Ident = uuid.NewString()
	}

	data, err := json.Marshal(jb)
	if err != nil {
		return errors.E(op, err)
	}

	seq, err := d.client.Incr(ctx, d.seqKey()).Result()
	if err != nil {
		return errors.E(op, err)
	}

	pipe := d.client.TxPipeline()
	pipe.HSet(ctx, d.jobsKey(), jb.ID(), data)
	pipe.HSet(ctx, d.attemptsKey(), jb.ID(), jb.Attempts())
	if jb.Delay() > 0 {
		pipe.ZAdd(ctx, d.delayedKey(jb.Queue()), redis.Z{
			Score:  float64(time.Now().Add(jb.Delay()).UnixMilli()),
			Member: jb.ID(),
		})
	} else {
		pipe.ZAdd(ctx, d.readyKey(jb.Queue()), redis.Z{
			Score:  readyScore(jb.Priority(), seq),
			Member: jb.ID(),
		})
	}

	_, err = pipe.Exec(ctx)
	if err != nil {
		return errors.E(op, err)
	}

	d.log.Debug("job was pushed", zap.String("ID", jb.ID()), zap.String("queue", jb.Queue()), zap.Duration("delay", jb.Delay()))
	return nil
}

func (d *Driver) Pop(ctx context.Context, queue string) (*job.Job, error) {
	const op = errors.Op("redis_driver_pop")

	err := d.promote(ctx, queue)
	if err != nil {
		return nil, errors.E(op, err)
	}

	res, err := popScript.Run(ctx, d.client,
		[]string{d.readyKey(queue), d.reservedKey(queue), d.jobsKey(), d.attemptsKey()},
		time.Now().UnixMilli(),
	).Slice()
	if err != nil {
		if stderr.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, errors.E(op, err)
	}

	id, _ := res[0].(string)
	if len(res) < 3 {
		d.log.Warn("job body is missing, skipping", zap.String("ID", id), zap.String("queue", queue))
		return nil, nil
	}

	body, _ := res[1].(string)
	attempts, _ := res[2].(int64)

	jb := &job.Job{}
	err = json.Unmarshal([]byte(body), jb)
	if err != nil {
		// a broken body would be popped forever
		_, _ = removeScript.Run(ctx, d.client, []string{d.reservedKey(queue), d.jobsKey(), d.attemptsKey()}, id).Result()
		return nil, errors.E(op, errors.Errorf("job %s has a broken body: %v", id, err))
	}

	if jb.Options == nil {
		jb.Options = &job.Options{}
	}
	jb.Options.Attempts = int(attempts)

	return jb, nil
}

func (d *Driver) Complete(ctx context.Context, j *job.Job) error {
	const op = errors.Op("redis_driver_complete")

	err := d.remove(ctx, j)
	if err != nil {
		return errors.E(op, err)
	}

	return nil
}

func (d *Driver) Discard(ctx context.Context, j *job.Job) error {
	const op = errors.Op("redis_driver_discard")

	err := d.remove(ctx, j)
	if err != nil {
		return errors.E(op, err)
	}

	return nil
}

func (d *Driver) Release(ctx context.Context, j *job.Job, delay time.Duration) error {
	const op = errors.Op("redis_driver_release")

	jb := j.Clone()
	jb.UpdateRetryAfter(delay)

	data, err := json.Marshal(jb)
	if err != nil {
		return errors.E(op, err)
	}

	var at int64
	if delay > 0 {
		at = time.Now().Add(delay).UnixMilli()
	}

	released, err := releaseScript.Run(ctx, d.client,
		[]string{d.reservedKey(jb.Queue()), d.jobsKey(), d.readyKey(jb.Queue()), d.delayedKey(jb.Queue()), d.seqKey()},
		jb.ID(), data, at, jb.Priority(),
	).Int64()
	if err != nil {
		return errors.E(op, err)
	}
	if released == 0 {
		return errors.E(op, errors.Errorf("job %s is not reserved", jb.ID()))
	}

	return nil
}

// Len returns the number of ready and delayed jobs of the queue.
func (d *Driver) Len(ctx context.Context, queue string) (int64, error) {
	const op = errors.Op("redis_driver_len")

	pipe := d.client.Pipeline()
	ready := pipe.ZCard(ctx, d.readyKey(queue))
	delayed := pipe.ZCard(ctx, d.delayedKey(queue))
	_, err := pipe.Exec(ctx)
	if err != nil {
		return 0, errors.E(op, err)
	}

	return ready.Val() + delayed.Val(), nil
}

// Reserved returns the number of popped jobs of the queue not acknowledged yet.
func (d *Driver) Reserved(ctx context.Context, queue string) (int64, error) {
	const op = errors.Op("redis_driver_reserved")

	n, err := d.client.ZCard(ctx, d.reservedKey(queue)).Result()
	if err != nil {
		return 0, errors.E(op, err)
	}

	return n, nil
}

func (d *Driver) remove(ctx context.Context, j *job.Job) error {
	removed, err := removeScript.Run(ctx, d.client,
		[]string{d.reservedKey(j.Queue()), d.jobsKey(), d.attemptsKey()},
		j.ID(),
	).Int64()
	if err != nil {
		return err
	}
	if removed == 0 {
		return errors.Errorf("job %s is not reserved", j.ID())
	}

	return nil
}

// promote moves due delayed jobs to the ready set and reclaims reservations of
// consumers which never acknowledged their job.
func (d *Driver) promote(ctx context.Context, queue string) error {
	now := time.Now()

	var deadline int64
	if d.visibility > 0 {
		deadline = now.Add(-d.visibility).UnixMilli()
	}

	res, err := promoteScript.Run(ctx, d.client,
		[]string{d.delayedKey(queue), d.reservedKey(queue), d.readyKey(queue), d.jobsKey(), d.seqKey()},
		now.UnixMilli(), d.batch, deadline, job.DefaultPriority,
	).Int64Slice()
	if err != nil {
		return err
	}

	if len(res) == 2 && res[1] > 0 {
		d.log.Warn("reservations expired, jobs were returned to the queue", zap.String("queue", queue), zap.Int64("count", res[1]))
	}

	return nil
}

func readyScore(priority int64, seq int64) float64 {
	return float64(priority)*priorityWeight + float64(seq)
}

func (d *Driver) jobsKey() string {
	return d.prefix + ":jobs"
}

func (d *Driver) attemptsKey() string {
	return d.prefix + ":attempts"
}

func (d *Driver) seqKey() string {
	return d.prefix + ":seq"
}

func (d *Driver) readyKey(queue string) string {
	return d.prefix + ":" + queue + ":ready"
}

func (d *Driver) delayedKey(queue string) string {
	return d.prefix + ":" + queue + ":delayed"
}

func (d *Driver) reservedKey(queue string) string {
	return d.prefix + ":" + queue + ":reserved"
}
