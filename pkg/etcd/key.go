// Copyright 2025 The DeltaFlow Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package etcd

import "fmt"

// EtcdKeyBase is the common prefix of the keys in etcd
const EtcdKeyBase = "/deltaflow/cdc"

// CaptureOwnerKey is the capture owner path that is saved to etcd
const CaptureOwnerKey = EtcdKeyBase + "/owner"

// CaptureInfoKeyPrefix is the capture info path that is saved to etcd
const CaptureInfoKeyPrefix = EtcdKeyBase + "/capture"

// TaskKeyPrefix is the prefix of task keys
const TaskKeyPrefix = EtcdKeyBase + "/task"

// TaskStatusKeyPrefix is the prefix of task status keys
const TaskStatusKeyPrefix = TaskKeyPrefix + "/status"

// TaskPositionKeyPrefix is the prefix of task position keys
const TaskPositionKeyPrefix = TaskKeyPrefix + "/position"

// JobKeyPrefix is the prefix of admin job queue keys
const JobKeyPrefix = EtcdKeyBase + "/job/queue"

// GetEtcdKeyChangeFeedList returns the prefix key of all changefeed config
func GetEtcdKeyChangeFeedList() string {
	return fmt.Sprintf("%s/changefeed/info", EtcdKeyBase)
}

// GetEtcdKeyChangeFeedInfo returns the key of a changefeed config
func GetEtcdKeyChangeFeedInfo(changefeedID string) string {
	return fmt.Sprintf("%s/%s", GetEtcdKeyChangeFeedList(), changefeedID)
}

// GetEtcdKeyChangeFeedStatus returns the key of a changefeed status
func GetEtcdKeyChangeFeedStatus(changefeedID string) string {
	return GetEtcdKeyJob(changefeedID)
}

// GetEtcdKeyJob returns the key for a changefeed replication status
func GetEtcdKeyJob(changeFeedID string) string {
	return EtcdKeyBase + "/changefeed/status/" + changeFeedID
}

// GetEtcdKeyTaskStatusList returns the key of a task status without captureID part
func GetEtcdKeyTaskStatusList(changefeedID string) string {
	return fmt.Sprintf("%s/%s", TaskStatusKeyPrefix, changefeedID)
}

// GetEtcdKeyTaskStatus returns the key of a task status
func GetEtcdKeyTaskStatus(changefeedID, captureID string) string {
	return fmt.Sprintf("%s/%s/%s", TaskStatusKeyPrefix, changefeedID, captureID)
}

// GetEtcdKeyTaskPositionList returns the key of a task position without captureID part
func GetEtcdKeyTaskPositionList(changefeedID string) string {
	return fmt.Sprintf("%s/%s", TaskPositionKeyPrefix, changefeedID)
}

// GetEtcdKeyTaskPosition returns the key of a task position
func GetEtcdKeyTaskPosition(changefeedID, captureID string) string {
	return fmt.Sprintf("%s/%s/%s", TaskPositionKeyPrefix, changefeedID, captureID)
}

// GetEtcdKeyCaptureInfo returns the key of a capture info
func GetEtcdKeyCaptureInfo(id string) string {
	return CaptureInfoKeyPrefix + "/" + id
}

// GetEtcdKeyJobQueueList returns the queue prefix of one changefeed's admin jobs
func GetEtcdKeyJobQueueList(changefeedID string) string {
	return fmt.Sprintf("%s/%s", JobKeyPrefix, changefeedID)
}

// GetEtcdKeyJobQueueEntry returns the key of one queued admin job
func GetEtcdKeyJobQueueEntry(changefeedID string, seq uint64) string {
	return fmt.Sprintf("%s/%s/%020d", JobKeyPrefix, changefeedID, seq)
}
