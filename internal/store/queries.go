package store

// Collector queries
const (
	queryInsertCollector = `
		INSERT INTO collectors (id, name, version, endpoint, status, max_concurrent, current_load, capabilities, last_heartbeat, registered_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, now())
		ON CONFLICT (id) DO NOTHING`

	queryGetCollector = `
		SELECT id, name, version, endpoint, status, max_concurrent, current_load, capabilities, cpu_percent, memory_percent, last_heartbeat, registered_at
		FROM collectors WHERE id = ?`

	queryListCollectors = `
		SELECT id, name, version, endpoint, status, max_concurrent, current_load, capabilities, cpu_percent, memory_percent, last_heartbeat, registered_at
		FROM collectors ORDER BY registered_at, id`

	queryListEligibleCollectors = `
		SELECT id, name, version, endpoint, status, max_concurrent, current_load, capabilities, cpu_percent, memory_percent, last_heartbeat, registered_at
		FROM collectors
		WHERE status = 'ONLINE' AND current_load < max_concurrent
		ORDER BY registered_at, id`

	queryHeartbeatCollector = `
		UPDATE collectors SET
			last_heartbeat = ?,
			cpu_percent = ?,
			memory_percent = ?,
			status = CASE WHEN status IN ('OFFLINE', 'ERROR') THEN 'ONLINE' ELSE status END
		WHERE id = ?`

	queryDeleteIdleCollector = `DELETE FROM collectors WHERE id = ? AND current_load = 0`

	queryReserveCollector = `
		UPDATE collectors SET current_load = current_load + 1
		WHERE id = ? AND status = 'ONLINE' AND current_load < max_concurrent`

	queryReleaseCollector = `
		UPDATE collectors SET current_load = current_load - 1
		WHERE id = ? AND current_load > 0`

	// Demotion is conditional on last_heartbeat so a heartbeat arriving
	// mid-sweep wins and the collector stays ONLINE.
	queryDemoteCollector = `
		UPDATE collectors SET status = 'OFFLINE'
		WHERE id = ? AND last_heartbeat = ? AND status IN ('ONLINE', 'BUSY')`
)

// Task queries
const (
	queryInsertTask = `
		INSERT INTO tasks (id, priority, status, target_devices, required_capabilities, credential_ref, commands,
			timeout_seconds, max_retries, retry_count, attempt, next_attempt_at, created_at, error_message, revision)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0, ?, now(), '', 0)`

	taskColumns = `id, priority, status, target_devices, required_capabilities, credential_ref, commands,
		timeout_seconds, max_retries, retry_count, attempt, assigned_collector, cancel_requested,
		next_attempt_at, created_at, dispatched_at, started_at, completed_at, error_message, revision`

	queryGetTask = `SELECT ` + taskColumns + ` FROM tasks WHERE id = ?`

	queryListTasks = `SELECT ` + taskColumns + ` FROM tasks ORDER BY created_at, id`

	queryListDueTasks = `
		SELECT ` + taskColumns + ` FROM tasks
		WHERE status = 'PENDING' AND cancel_requested = false AND next_attempt_at <= ?
		ORDER BY priority DESC, created_at ASC, id`

	queryListTasksByCollector = `
		SELECT ` + taskColumns + ` FROM tasks
		WHERE assigned_collector = ? AND status IN ('ASSIGNED', 'RUNNING')
		ORDER BY created_at, id`

	queryListStalledTasks = `
		SELECT ` + taskColumns + ` FROM tasks
		WHERE status = 'ASSIGNED' AND dispatched_at IS NOT NULL
			AND dispatched_at + to_seconds(timeout_seconds) <= ?
		ORDER BY created_at, id`

	queryAssignTask = `
		UPDATE tasks SET
			status = 'ASSIGNED',
			assigned_collector = ?,
			attempt = attempt + 1,
			dispatched_at = ?,
			revision = revision + 1
		WHERE id = ? AND status = 'PENDING' AND revision = ?`

	queryUnassignTask = `
		UPDATE tasks SET
			status = 'PENDING',
			assigned_collector = NULL,
			dispatched_at = NULL,
			next_attempt_at = ?,
			revision = revision + 1
		WHERE id = ? AND status = 'ASSIGNED' AND assigned_collector = ? AND attempt = ?`

	queryMarkTaskRunning = `
		UPDATE tasks SET
			status = 'RUNNING',
			started_at = ?,
			revision = revision + 1
		WHERE id = ? AND status = 'ASSIGNED' AND assigned_collector = ? AND attempt = ?`

	queryCompleteTask = `
		UPDATE tasks SET
			status = 'COMPLETED',
			assigned_collector = NULL,
			completed_at = ?,
			revision = revision + 1
		WHERE id = ? AND status IN ('ASSIGNED', 'RUNNING') AND assigned_collector = ? AND attempt = ?`

	queryFailTask = `
		UPDATE tasks SET
			status = 'FAILED',
			assigned_collector = NULL,
			completed_at = ?,
			error_message = ?,
			revision = revision + 1
		WHERE id = ? AND status IN ('ASSIGNED', 'RUNNING') AND assigned_collector = ? AND attempt = ?`

	queryRequeueTask = `
		UPDATE tasks SET
			status = 'PENDING',
			assigned_collector = NULL,
			dispatched_at = NULL,
			started_at = NULL,
			retry_count = retry_count + 1,
			next_attempt_at = ?,
			error_message = ?,
			revision = revision + 1
		WHERE id = ? AND status IN ('ASSIGNED', 'RUNNING') AND assigned_collector = ? AND attempt = ?`

	queryCancelPendingTask = `
		UPDATE tasks SET
			status = 'CANCELLED',
			completed_at = ?,
			revision = revision + 1
		WHERE id = ? AND status = 'PENDING'`

	queryCancelAssignedTask = `
		UPDATE tasks SET
			status = 'CANCELLED',
			assigned_collector = NULL,
			completed_at = ?,
			revision = revision + 1
		WHERE id = ? AND status = 'ASSIGNED' AND assigned_collector = ?`

	queryFlagCancelRequested = `
		UPDATE tasks SET
			cancel_requested = true,
			revision = revision + 1
		WHERE id = ? AND status = 'RUNNING'`

	queryInsertTransition = `
		INSERT INTO task_transitions (task_id, from_status, to_status, collector_id, note, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?)`

	queryListTransitions = `
		SELECT task_id, from_status, to_status, collector_id, note, occurred_at
		FROM task_transitions WHERE task_id = ? ORDER BY occurred_at, rowid`
)

// Result queries
const (
	queryInsertResult = `
		INSERT INTO task_results (id, task_id, collector_id, attempt, success, execution_time_ms, output, error_code, error_message, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	queryListResultsByTask = `
		SELECT id, task_id, collector_id, attempt, success, execution_time_ms, output, error_code, error_message, received_at
		FROM task_results WHERE task_id = ? ORDER BY received_at, attempt`
)
