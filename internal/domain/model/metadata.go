package model

import "time"

// 自定义字段上限。
const (
	MaxCustomFields     = 32
	MaxCustomKeyBytes   = 64
	MaxCustomValueBytes = 1024
)

// EvidenceMetadata 是入库时随文件提交的描述信息。
// 已知字段使用强类型，未知字段放入有界的 CustomFields。
type EvidenceMetadata struct {
	CaseID             string            `json:"caseId,omitempty" yaml:"case_id" validate:"omitempty,max=128"`
	CaseNumber         string            `json:"caseNumber,omitempty" yaml:"case_number" validate:"omitempty,max=128"`
	CollectedBy        string            `json:"collectedBy,omitempty" yaml:"collected_by" validate:"omitempty,max=256"`
	CollectedAt        *time.Time        `json:"collectedAt,omitempty" yaml:"collected_at"`
	CollectionLocation string            `json:"collectionLocation,omitempty" yaml:"collection_location" validate:"omitempty,max=512"`
	DeviceSource       string            `json:"deviceSource,omitempty" yaml:"device_source" validate:"omitempty,max=512"`
	Description        string            `json:"description,omitempty" yaml:"description" validate:"omitempty,max=4096"`
	Classification     string            `json:"classification,omitempty" yaml:"classification" validate:"omitempty,max=64"`
	DeclaredType       EvidenceType      `json:"declaredType,omitempty" yaml:"declared_type" validate:"omitempty,oneof=document image video audio disk_image archive email other"`
	CustomFields       map[string]string `json:"customFields,omitempty" yaml:"custom_fields" validate:"omitempty,max=32,dive,keys,min=1,max=64,endkeys,max=1024"`
}

// Clone 深拷贝。
func (m EvidenceMetadata) Clone() EvidenceMetadata {
	out := m
	if m.CollectedAt != nil {
		v := *m.CollectedAt
		out.CollectedAt = &v
	}
	if m.CustomFields != nil {
		out.CustomFields = make(map[string]string, len(m.CustomFields))
		for k, v := range m.CustomFields {
			out.CustomFields[k] = v
		}
	}
	return out
}
