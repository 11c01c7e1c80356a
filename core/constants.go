package core

import "time"

// Environment variable names recognized by Config.LoadFromEnv, collected
// here so callers and tests can reference them without typing string
// literals.
const (
	EnvName           = "CREWFORGE_NAME"
	EnvRedisURL       = "CREWFORGE_REDIS_URL"
	EnvAnthropicKey   = "ANTHROPIC_API_KEY"
	EnvDevMode        = "CREWFORGE_DEV_MODE"
	EnvMaxConcurrency = "CREWFORGE_MAX_CONCURRENCY"
)

// Redis key namespace used by memory.RedisStorage.
const (
	DefaultRedisKeyPrefix = "crewforge:memory:"
	DefaultRedisLongTermTTL = 30 * 24 * time.Hour
)

// MemoryKind enumerates the three memory subsystems.
type MemoryKind string

const (
	MemoryShortTerm MemoryKind = "short_term"
	MemoryLongTerm  MemoryKind = "long_term"
	MemoryEntity    MemoryKind = "entity"
)

// TaskPriority orders scheduler admission: higher values run first.
type TaskPriority int

const (
	PriorityLow      TaskPriority = 0
	PriorityNormal   TaskPriority = 5
	PriorityHigh     TaskPriority = 10
	PriorityCritical TaskPriority = 20
)

// TaskState is the scheduler's task state machine, per the transition
// diagram Pending -> Waiting -> Ready -> Running -> {Completed,Failed,Cancelled}.
type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskWaiting   TaskState = "waiting"
	TaskReady     TaskState = "ready"
	TaskRunning   TaskState = "running"
	TaskCompleted TaskState = "completed"
	TaskFailed    TaskState = "failed"
	TaskCancelled TaskState = "cancelled"
)

// ProcessKind selects how a Crew drives its tasks.
type ProcessKind string

const (
	ProcessSequential  ProcessKind = "sequential"
	ProcessParallel    ProcessKind = "parallel"
	ProcessHierarchical ProcessKind = "hierarchical"
)
