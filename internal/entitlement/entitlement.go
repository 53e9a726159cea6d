// Package entitlement はプランごとに利用できる操作と各種上限を解決します。
package entitlement

import (
	"slices"
	"strings"

	"github.com/yourusername/docforge/internal/pdf"
)

// Tier はサブスクリプションのプランです。
type Tier string

const (
	TierFree     Tier = "FREE"
	TierStarter  Tier = "STARTER"
	TierPro      Tier = "PRO"
	TierBusiness Tier = "BUSINESS"
)

// Tiers は下位から上位の順にプランを返します。
func Tiers() []Tier {
	return []Tier{TierFree, TierStarter, TierPro, TierBusiness}
}

// ParseTier は大文字小文字を区別せずにプラン名を解釈します。
func ParseTier(s string) (Tier, bool) {
	t := Tier(strings.ToUpper(strings.TrimSpace(s)))
	if slices.Contains(Tiers(), t) {
		return t, true
	}
	return TierFree, false
}

// Entitlement はプランから導出される利用権限です。
type Entitlement struct {
	Tier               Tier            `yaml:"-" json:"tier"`
	MaxCreditsPerMonth int64           `yaml:"maxCreditsPerMonth" json:"maxCreditsPerMonth"`
	MaxFileSizeBytes   int64           `yaml:"maxFileSizeBytes" json:"maxFileSizeBytes"`
	AllowedOperations  []pdf.Operation `yaml:"allowedOperations" json:"allowedOperations"`
	MaxConcurrentJobs  int             `yaml:"maxConcurrentJobs" json:"maxConcurrentJobs"`
	QueuePriority      int             `yaml:"queuePriority" json:"queuePriority"`
}

// Allows は操作が許可されているかを返します。
func (e Entitlement) Allows(op pdf.Operation) bool {
	return slices.Contains(e.AllowedOperations, op)
}

func (e Entitlement) clone() Entitlement {
	e.AllowedOperations = slices.Clone(e.AllowedOperations)
	return e
}

// CreditCost は操作1回あたりの消費クレジットです。
func CreditCost(op pdf.Operation) int64 {
	if op == pdf.OperationSign {
		return 2
	}
	return 1
}

// Resolver はプランを Entitlement に変換します。
// 内部の表は生成後に変更されないため、並行に呼び出して構いません。
type Resolver struct {
	table Table
}

// NewResolver は検証済みの表から Resolver を作成します。nil の場合はデフォルト表を使います。
func NewResolver(table Table) (*Resolver, error) {
	if table == nil {
		table = DefaultTable()
	}
	if err := table.Validate(); err != nil {
		return nil, err
	}
	copied := table.Clone()
	for tier, ent := range copied {
		ent.Tier = tier
		copied[tier] = ent
	}
	return &Resolver{table: copied}, nil
}

// Resolve はプランの Entitlement を返します。未知のプランは FREE として扱います。
func (r *Resolver) Resolve(tier Tier) Entitlement {
	t, ok := ParseTier(string(tier))
	if !ok {
		t = TierFree
	}
	return r.table[t].clone()
}

// Table は全プランの Entitlement 表を返します。
func (r *Resolver) Table() Table {
	return r.table.Clone()
}
