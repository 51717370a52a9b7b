package config

import (
	"context"
	"strings"

	"github.com/mmdatafocus/multipack_backend/appctx"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TenantGuardPlugin scopes queries/updates/deletes to the request's shop when the model
// has a shop column.
//
// NOTE:
// - This does NOT apply to Raw SQL queries. Those must include shop manually.
// - Cross-shop operator paths bypass it explicitly via appctx.ContextKeySkipTenantScope.
type TenantGuardPlugin struct{}

func NewTenantGuardPlugin() *TenantGuardPlugin { return &TenantGuardPlugin{} }

func (p *TenantGuardPlugin) Name() string { return "tenant_guard" }

func (p *TenantGuardPlugin) Initialize(db *gorm.DB) error {
	if err := db.Callback().Query().Before("gorm:query").Register("tenant_guard:query", tenantGuardCallback); err != nil {
		return err
	}
	if err := db.Callback().Row().Before("gorm:row").Register("tenant_guard:row", tenantGuardCallback); err != nil {
		return err
	}
	if err := db.Callback().Update().Before("gorm:update").Register("tenant_guard:update", tenantGuardCallback); err != nil {
		return err
	}
	if err := db.Callback().Delete().Before("gorm:delete").Register("tenant_guard:delete", tenantGuardCallback); err != nil {
		return err
	}
	return nil
}

func tenantGuardCallback(db *gorm.DB) {
	if db == nil || db.Statement == nil {
		return
	}
	ctx := db.Statement.Context
	if ctx == nil {
		return
	}
	if shouldBypassTenantScope(ctx) {
		return
	}
	shop := shopFromContext(ctx)
	if shop == "" {
		return
	}

	if db.Statement.Schema == nil {
		return
	}
	hasShop := false
	for _, f := range db.Statement.Schema.Fields {
		if strings.EqualFold(f.DBName, "shop") {
			hasShop = true
			break
		}
	}
	if !hasShop {
		return
	}

	// Don't duplicate an explicit tenant filter.
	if whereHasShop(db.Statement.Clauses["WHERE"]) {
		return
	}

	db.Statement.AddClause(clause.Where{
		Exprs: []clause.Expression{
			clause.Eq{
				Column: clause.Column{Table: db.Statement.Table, Name: "shop"},
				Value:  shop,
			},
		},
	})
}

func shopFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(appctx.ContextKeyShop).(string); ok && v != "" {
		return v
	}
	return ""
}

func shouldBypassTenantScope(ctx context.Context) bool {
	if v, ok := ctx.Value(appctx.ContextKeySkipTenantScope).(bool); ok && v {
		return true
	}
	return false
}

func whereHasShop(c clause.Clause) bool {
	if c.Expression == nil {
		return false
	}
	w, ok := c.Expression.(clause.Where)
	if !ok {
		return false
	}
	for _, e := range w.Exprs {
		if exprHasShop(e) {
			return true
		}
	}
	return false
}

func exprHasShop(e clause.Expression) bool {
	switch v := e.(type) {
	case clause.Eq:
		return colIsShop(v.Column)
	case clause.Neq:
		return colIsShop(v.Column)
	case clause.IN:
		return colIsShop(v.Column)
	case clause.AndConditions:
		for _, x := range v.Exprs {
			if exprHasShop(x) {
				return true
			}
		}
		return false
	case clause.OrConditions:
		for _, x := range v.Exprs {
			if exprHasShop(x) {
				return true
			}
		}
		return false
	case clause.Expr:
		// Best-effort for raw expressions.
		return strings.Contains(strings.ToLower(v.SQL), "shop")
	default:
		return false
	}
}

func colIsShop(col any) bool {
	switch c := col.(type) {
	case string:
		return strings.EqualFold(c, "shop")
	case clause.Column:
		return strings.EqualFold(c.Name, "shop")
	default:
		return false
	}
}
