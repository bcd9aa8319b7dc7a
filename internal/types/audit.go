package types

import "time"

// AuditRecord is one action written to the audit sink
type AuditRecord struct {
	DateKey   string         `json:"-" dynamodbav:"ActionDate"`  // YYYY-MM-DD (partition key)
	SortKey   string         `json:"-" dynamodbav:"TimestampID"` // RFC3339Nano#id (sort key)
	ID        string         `json:"id" dynamodbav:"ID"`
	Timestamp time.Time      `json:"timestamp" dynamodbav:"Timestamp"`
	Action    string         `json:"action" dynamodbav:"Action"`
	Code      string         `json:"code,omitempty" dynamodbav:"Code,omitempty"`
	SessionID string         `json:"sessionId,omitempty" dynamodbav:"SessionID,omitempty"`
	Data      map[string]any `json:"data,omitempty" dynamodbav:"Data,omitempty"`
}

// CallRecord is a finished call persisted for history
type CallRecord struct {
	DateKey        string         `json:"dateKey" dynamodbav:"DateKey"`     // YYYY-MM-DD (partition key)
	SessionID      string         `json:"sessionId" dynamodbav:"SessionID"` // sort key
	MemberID       string         `json:"memberId" dynamodbav:"MemberID"`
	Direction      Direction      `json:"direction" dynamodbav:"Direction"`
	Classification Classification `json:"classification" dynamodbav:"Classification"`
	RemoteParty    string         `json:"remoteParty" dynamodbav:"RemoteParty"`
	InteractionID  string         `json:"interactionId,omitempty" dynamodbav:"InteractionID,omitempty"`
	State          LifecycleState `json:"state" dynamodbav:"State"`
	Cause          Cause          `json:"cause,omitempty" dynamodbav:"Cause,omitempty"`
	Originator     Originator     `json:"originator,omitempty" dynamodbav:"Originator,omitempty"`
	StartTime      string         `json:"startTime" dynamodbav:"StartTime"` // RFC3339
	EndTime        string         `json:"endTime" dynamodbav:"EndTime"`     // RFC3339
	Duration       float64        `json:"duration" dynamodbav:"Duration"`   // seconds
}
