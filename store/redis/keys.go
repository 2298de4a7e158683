package redis

// Redis key naming conventions for riparius data.
// All keys are prefixed with "riparius:" to avoid collisions.

const keyPrefix = "riparius:"

// ── Workflow keys ──

// wfKey returns the key for an instance entity: riparius:wf:{id}
func wfKey(id string) string { return keyPrefix + "wf:" + id }

// wfIDsKey is the Set tracking all instance IDs for enumeration.
const wfIDsKey = keyPrefix + "wf_ids"

// stepKey returns the key for a step entity: riparius:step:{id}
func stepKey(id string) string { return keyPrefix + "step:" + id }

// wfStepsKey returns the Set of step IDs for a workflow.
func wfStepsKey(workflowID string) string { return keyPrefix + "wf_steps:" + workflowID }

// stageKey returns the key for a stage entity: riparius:stage:{id}
func stageKey(id string) string { return keyPrefix + "stage:" + id }

// wfStagesKey returns the Set of stage IDs for a workflow.
func wfStagesKey(workflowID string) string { return keyPrefix + "wf_stages:" + workflowID }

// participantKey returns the key for a participant entity: riparius:part:{id}
func participantKey(id string) string { return keyPrefix + "part:" + id }

// wfParticipantsKey returns the Set of participant IDs for a workflow.
func wfParticipantsKey(workflowID string) string { return keyPrefix + "wf_parts:" + workflowID }

// waitingKey returns the Set of step IDs waiting on an event name.
func waitingKey(eventName string) string { return keyPrefix + "waiting:" + eventName }

// ── Event keys ──

// eventKey returns the key for an event entity: riparius:event:{id}
func eventKey(id string) string { return keyPrefix + "event:" + id }

// wfEventsKey returns the Sorted Set of event IDs for a workflow,
// scored by sequence.
func wfEventsKey(workflowID string) string { return keyPrefix + "wf_events:" + workflowID }

// wfSeqKey holds the last assigned event sequence for a workflow.
func wfSeqKey(workflowID string) string { return keyPrefix + "wf_seq:" + workflowID }

// ── Trigger keys ──

// triggerKey returns the key for a trigger entry entity: riparius:trigger:{id}
func triggerKey(id string) string { return keyPrefix + "trigger:" + id }

// triggerIDsKey is the Set tracking all trigger entry IDs for enumeration.
const triggerIDsKey = keyPrefix + "trigger_ids"

// triggerBindingsKey maps recurring binding keys ("def/name") to entry IDs
// for duplicate detection and FindTrigger lookups.
const triggerBindingsKey = keyPrefix + "trigger_bindings"

// ── Dead letter keys ──

// deadLetterKey returns the key for a dead letter entity: riparius:dl:{id}
func deadLetterKey(id string) string { return keyPrefix + "dl:" + id }

// deadLetterIDsKey is the Set tracking all dead letter IDs for enumeration.
const deadLetterIDsKey = keyPrefix + "dl_ids"

// ── Cluster keys ──

// workerKey returns the key for a worker entity: riparius:worker:{id}
func workerKey(id string) string { return keyPrefix + "worker:" + id }

// workerIDsKey is the Set tracking all worker IDs for enumeration.
const workerIDsKey = keyPrefix + "worker_ids"

// leaderKey stores the current leader worker ID with the lease TTL.
const leaderKey = keyPrefix + "leader"
