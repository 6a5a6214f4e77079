package models

import "time"

// Shake is the escrowed agreement between a requester and a worker.
// Principals are opaque byte-addressable identities carried as strings;
// Amount is stablecoin base units (6 decimals in the reference deployment).
type Shake struct {
	ID                   uint64    `json:"id"`
	Requester            string    `json:"requester"`
	Worker               string    `json:"worker,omitempty"`
	Amount               uint64    `json:"amount"`
	ParentID             uint64    `json:"parent_id,omitempty"`
	IsChild              bool      `json:"is_child"`
	CreatedAt            time.Time `json:"created_at"`
	DeadlineAt           time.Time `json:"deadline_at"`
	DeliveredAt          time.Time `json:"delivered_at,omitempty"`
	Status               string    `json:"status"`
	TaskFingerprint      []byte    `json:"task_fingerprint"`
	DeliveryFingerprint  []byte    `json:"delivery_fingerprint,omitempty"`
	DisputeFrozenUntil   time.Time `json:"dispute_frozen_until,omitempty"`
	RequesterPubKeyHash  []byte    `json:"requester_pubkey_hash,omitempty"`
	EncryptedDeliveryKey []byte    `json:"encrypted_delivery_key,omitempty"`
}

// SubtreeView is the snapshot read of a shake and its descendants.
type SubtreeView struct {
	Shake     Shake         `json:"shake"`
	Remaining uint64        `json:"remaining,omitempty"`
	Children  []SubtreeView `json:"children,omitempty"`
}

// Settlement summarizes the money movement of a terminal transition.
type Settlement struct {
	ShakeID   uint64 `json:"shake_id"`
	Status    string `json:"status"`
	WorkerNet uint64 `json:"worker_net"`
	Fee       uint64 `json:"fee"`
	Refunded  uint64 `json:"refunded"`
	FeeBps    uint16 `json:"fee_bps"`
	Depth     int    `json:"depth"`
}
