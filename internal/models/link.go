package models

// LinkStatus 老人与看护人关联状态（caretaker_links.status）
// 只有 approved 的关联才允许看护人看到老人的报警
type LinkStatus string

const (
	LinkStatusPending  LinkStatus = "pending"
	LinkStatusApproved LinkStatus = "approved"
)
