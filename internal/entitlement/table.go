package entitlement

import (
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/yourusername/docforge/internal/pdf"
)

const (
	megabyte    = 1024 * 1024
	maxPriority = 9
)

// Table はプランごとの Entitlement 表です。
type Table map[Tier]Entitlement

type tableFile struct {
	Tiers map[string]Entitlement `yaml:"tiers"`
}

// DefaultTable は組み込みのプラン表を返します。
func DefaultTable() Table {
	return Table{
		TierFree: {
			Tier:               TierFree,
			MaxCreditsPerMonth: 10,
			MaxFileSizeBytes:   10 * megabyte,
			AllowedOperations:  []pdf.Operation{pdf.OperationCompress, pdf.OperationMerge},
			MaxConcurrentJobs:  1,
			QueuePriority:      0,
		},
		TierStarter: {
			Tier:               TierStarter,
			MaxCreditsPerMonth: 100,
			MaxFileSizeBytes:   50 * megabyte,
			AllowedOperations: []pdf.Operation{
				pdf.OperationCompress, pdf.OperationMerge,
				pdf.OperationSplit, pdf.OperationReorder,
			},
			MaxConcurrentJobs: 2,
			QueuePriority:     3,
		},
		TierPro: {
			Tier:               TierPro,
			MaxCreditsPerMonth: 1000,
			MaxFileSizeBytes:   200 * megabyte,
			AllowedOperations: []pdf.Operation{
				pdf.OperationCompress, pdf.OperationMerge,
				pdf.OperationSplit, pdf.OperationReorder,
				pdf.OperationWatermark, pdf.OperationProtect,
			},
			MaxConcurrentJobs: 5,
			QueuePriority:     6,
		},
		TierBusiness: {
			Tier:               TierBusiness,
			MaxCreditsPerMonth: 10000,
			MaxFileSizeBytes:   500 * megabyte,
			AllowedOperations:  pdf.Operations(),
			MaxConcurrentJobs:  20,
			QueuePriority:      maxPriority,
		},
	}
}

// LoadFile は YAML 形式のプラン表を読み込みます。path が空ならデフォルト表を返します。
//
//	tiers:
//	  FREE:
//	    maxCreditsPerMonth: 10
//	    maxFileSizeBytes: 10485760
//	    allowedOperations: [compress, merge]
//	    maxConcurrentJobs: 1
//	    queuePriority: 0
func LoadFile(path string) (Table, error) {
	if path == "" {
		return DefaultTable(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read entitlements file: %w", err)
	}
	return Parse(data)
}

// Parse は YAML のプラン表を解釈して検証します。
func Parse(data []byte) (Table, error) {
	var file tableFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse entitlements: %w", err)
	}
	table := make(Table, len(file.Tiers))
	for name, ent := range file.Tiers {
		tier, ok := ParseTier(name)
		if !ok {
			return nil, fmt.Errorf("unknown tier %q in entitlements", name)
		}
		ent.Tier = tier
		table[tier] = ent
	}
	if err := table.Validate(); err != nil {
		return nil, err
	}
	return table, nil
}

// Validate は全プランが揃っていて、上位プランが下位プランの上位集合になっていることを検証します。
func (t Table) Validate() error {
	var prev *Entitlement
	for _, tier := range Tiers() {
		ent, ok := t[tier]
		if !ok {
			return fmt.Errorf("entitlements: tier %s is missing", tier)
		}
		if err := ent.validate(); err != nil {
			return fmt.Errorf("entitlements: tier %s: %w", tier, err)
		}
		if prev != nil {
			if err := checkUpgrade(*prev, ent); err != nil {
				return fmt.Errorf("entitlements: %s -> %s: %w", prev.Tier, tier, err)
			}
		}
		ent.Tier = tier
		prev = &ent
	}
	return nil
}

func (e Entitlement) validate() error {
	if e.MaxCreditsPerMonth < 0 {
		return fmt.Errorf("maxCreditsPerMonth must not be negative")
	}
	if e.MaxFileSizeBytes <= 0 {
		return fmt.Errorf("maxFileSizeBytes must be positive")
	}
	if e.MaxConcurrentJobs < 1 {
		return fmt.Errorf("maxConcurrentJobs must be at least 1")
	}
	if e.QueuePriority < 0 || e.QueuePriority > maxPriority {
		return fmt.Errorf("queuePriority must be between 0 and %d", maxPriority)
	}
	for _, op := range e.AllowedOperations {
		if parsed, ok := pdf.ParseOperation(string(op)); !ok || parsed != op {
			return fmt.Errorf("unknown operation %q", op)
		}
	}
	return nil
}

func checkUpgrade(lower, upper Entitlement) error {
	for _, op := range lower.AllowedOperations {
		if !upper.Allows(op) {
			return fmt.Errorf("operation %s is not carried over", op)
		}
	}
	switch {
	case upper.MaxCreditsPerMonth < lower.MaxCreditsPerMonth:
		return fmt.Errorf("maxCreditsPerMonth decreases")
	case upper.MaxFileSizeBytes < lower.MaxFileSizeBytes:
		return fmt.Errorf("maxFileSizeBytes decreases")
	case upper.MaxConcurrentJobs < lower.MaxConcurrentJobs:
		return fmt.Errorf("maxConcurrentJobs decreases")
	case upper.QueuePriority < lower.QueuePriority:
		return fmt.Errorf("queuePriority decreases")
	}
	return nil
}

// Clone は表の複製を返します。
func (t Table) Clone() Table {
	out := make(Table, len(t))
	for tier, ent := range t {
		ent.AllowedOperations = slices.Clone(ent.AllowedOperations)
		out[tier] = ent
	}
	return out
}
