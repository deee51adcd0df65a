// Package authz はロールとテナントに基づくアカウント操作の認可判定を提供する。
package authz

import (
	"time"

	"github.com/hitoshi/usermgmt/internal/metrics"
	"github.com/hitoshi/usermgmt/internal/model"
)

// Effect は認可判定の結果種別。
type Effect int

const (
	// Deny は明示的な拒否。管理者にはReasonを開示する。
	Deny Effect = iota
	// Allow は無条件の許可。
	Allow
	// AllowWithFilter は結果の絞り込みを条件とする許可。
	AllowWithFilter
	// NotFound は対象の存在自体を隠す拒否。
	NotFound
)

// String はログおよびメトリクスのラベルに使う判定名を返す。
func (e Effect) String() string {
	switch e {
	case Allow:
		return "allow"
	case AllowWithFilter:
		return "allow_with_filter"
	case NotFound:
		return "not_found"
	default:
		return "deny"
	}
}

// Request は認可判定の入力。
// TenantIDはListで対象とするテナント。Read/Update/DeleteではTargetのテナントで判定する。
type Request struct {
	Operation model.Operation
	TenantID  int64
	Target    *model.Account // ストアから取得した現在の状態
	Proposed  *model.Account // Create/Updateで書き込もうとしている状態
}

// Decision は認可判定の結果。
type Decision struct {
	Effect Effect
	Reason model.DenyReason
	// Filter はAllowWithFilterのとき、残す行ならtrueを返す。
	Filter func(*model.Account) bool
}

// Allowed は操作を続行してよいかを返す。
func (d Decision) Allowed() bool {
	return d.Effect == Allow || d.Effect == AllowWithFilter
}

// Err は判定を呼び出し元に見せるエラーに変換する。許可の場合はnilを返す。
// 管理者への拒否は理由付きの*model.DenyError、一般ユーザーへの拒否は
// 対象の存在を明かさないためmodel.ErrNotFoundにする。
func (d Decision) Err(scope model.Scope) error {
	switch d.Effect {
	case Allow, AllowWithFilter:
		return nil
	case NotFound:
		return model.ErrNotFound
	default:
		if scope.IsAdmin() {
			return &model.DenyError{Reason: d.Reason}
		}
		return model.ErrNotFound
	}
}

// Guard はScopeと操作対象から認可を判定する。状態を持たず並行に使える。
type Guard struct {
	now     func() time.Time
	metrics metrics.MetricsCollector
}

// NewGuard はGuardを生成する。nowがnilの場合はtime.Nowを使う。
func NewGuard(now func() time.Time, m metrics.MetricsCollector) *Guard {
	if now == nil {
		now = time.Now
	}
	if m == nil {
		m = metrics.Nop{}
	}
	return &Guard{now: now, metrics: m}
}

// Authorize はscopeがreqの操作を行えるかを判定する。
// 判定できない入力（未知のロールや操作、対象の欠落）は拒否する。
func (g *Guard) Authorize(scope model.Scope, req Request) Decision {
	d := decide(scope, req)
	g.metrics.RecordAuthzDecision(req.Operation.String(), d.Effect.String())
	return d
}

func decide(scope model.Scope, req Request) Decision {
	if scope.Subject == "" || !scope.Role.Valid() {
		return deny(model.ReasonInsufficientRole)
	}

	switch req.Operation {
	case model.OpList:
		return decideList(scope, req.TenantID)
	case model.OpRead:
		return decideRead(scope, req.Target)
	case model.OpCreate:
		return decideCreate(scope, req.Proposed)
	case model.OpUpdate:
		return decideUpdate(scope, req.Target, req.Proposed)
	case model.OpDelete:
		return decideDelete(scope, req.Target)
	default:
		return deny(model.ReasonInsufficientRole)
	}
}

func decideList(scope model.Scope, tenantID int64) Decision {
	if tenantID != scope.TenantID {
		if scope.IsAdmin() {
			return deny(model.ReasonCrossTenant)
		}
		return Decision{Effect: NotFound}
	}
	if scope.IsAdmin() {
		return Decision{Effect: Allow}
	}
	return Decision{
		Effect: AllowWithFilter,
		Filter: func(acc *model.Account) bool {
			return acc.TenantID == scope.TenantID && acc.Role != model.RoleAdmin
		},
	}
}

func decideRead(scope model.Scope, target *model.Account) Decision {
	if target == nil {
		return Decision{Effect: NotFound}
	}
	if target.TenantID != scope.TenantID {
		if scope.IsAdmin() {
			return deny(model.ReasonCrossTenant)
		}
		return Decision{Effect: NotFound}
	}
	if !scope.IsAdmin() && target.Role == model.RoleAdmin {
		return Decision{Effect: NotFound}
	}
	return Decision{Effect: Allow}
}

func decideCreate(scope model.Scope, proposed *model.Account) Decision {
	if !scope.IsAdmin() {
		return deny(model.ReasonInsufficientRole)
	}
	if proposed == nil || proposed.TenantID != scope.TenantID {
		return deny(model.ReasonCrossTenant)
	}
	return Decision{Effect: Allow}
}

func decideUpdate(scope model.Scope, target, proposed *model.Account) Decision {
	if !scope.IsAdmin() {
		return deny(model.ReasonInsufficientRole)
	}
	if target == nil {
		return Decision{Effect: NotFound}
	}
	if target.TenantID != scope.TenantID {
		return deny(model.ReasonCrossTenant)
	}
	// テナントの付け替えは許可しない
	if proposed == nil || proposed.TenantID != scope.TenantID {
		return deny(model.ReasonCrossTenant)
	}
	return Decision{Effect: Allow}
}

func decideDelete(scope model.Scope, target *model.Account) Decision {
	if !scope.IsAdmin() {
		return deny(model.ReasonInsufficientRole)
	}
	if target == nil {
		return Decision{Effect: NotFound}
	}
	if target.TenantID != scope.TenantID {
		return deny(model.ReasonCrossTenant)
	}
	return Decision{Effect: Allow}
}

func deny(reason model.DenyReason) Decision {
	return Decision{Effect: Deny, Reason: reason}
}

// Filter は一覧結果からscopeが見てよい行だけを残す。
// 呼び出し側のクエリに関わらず他テナントの行は常に除外する。
func (g *Guard) Filter(scope model.Scope, accounts []*model.Account) []*model.Account {
	keep := func(acc *model.Account) bool {
		return acc.TenantID == scope.TenantID
	}
	if !scope.IsAdmin() {
		keep = func(acc *model.Account) bool {
			return acc.TenantID == scope.TenantID && acc.Role != model.RoleAdmin
		}
	}

	filtered := make([]*model.Account, 0, len(accounts))
	for _, acc := range accounts {
		if acc != nil && keep(acc) {
			filtered = append(filtered, acc)
		}
	}
	return filtered
}

// StampCreate は作成監査項目をscopeとGuardの時計から設定する。
// 呼び出し元が指定した値は上書きする。
func (g *Guard) StampCreate(scope model.Scope, acc *model.Account) {
	acc.CreatedBy = scope.Subject
	acc.CreatedAt = g.now().UTC()
	acc.ModifiedBy = nil
	acc.ModifiedAt = nil
}

// StampUpdate は更新監査項目をscopeとGuardの時計から設定する。
func (g *Guard) StampUpdate(scope model.Scope, acc *model.Account) {
	by := scope.Subject
	at := g.now().UTC()
	acc.ModifiedBy = &by
	acc.ModifiedAt = &at
}
