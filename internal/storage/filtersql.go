package storage

import (
	"fmt"
	"strings"

	"github.com/sner-project/sner/pkg/filter"
)

// ColumnMap whitelists the model.field specifiers an endpoint accepts
// and maps them to SQL column expressions. Anything outside the map is
// rejected, keeping filter input away from raw SQL.
type ColumnMap map[string]string

// ServiceColumns covers the servicelist endpoint.
var ServiceColumns = ColumnMap{
	"Host.address":  "h.address",
	"Host.hostname": "h.hostname",
	"Host.os":       "h.os",
	"Host.tags":     "h.tags",
	"Service.proto": "s.proto",
	"Service.port":  "s.port::text",
	"Service.state": "s.state",
	"Service.name":  "s.name",
	"Service.info":  "s.info",
	"Service.tags":  "s.tags",
}

// NoteColumns covers the notelist endpoint.
var NoteColumns = ColumnMap{
	"Host.address":  "h.address",
	"Host.hostname": "h.hostname",
	"Note.xtype":    "n.xtype",
	"Note.data":     "n.data",
	"Note.tags":     "n.tags",
}

// VersioninfoColumns covers the versioninfo endpoint.
var VersioninfoColumns = ColumnMap{
	"Versioninfo.address":  "h.address",
	"Versioninfo.hostname": "h.hostname",
	"Versioninfo.proto":    "h.proto",
	"Versioninfo.port":     "h.port::text",
	"Versioninfo.product":  "h.product",
	"Versioninfo.version":  "h.version",
}

// VulnsearchColumns covers the vulnsearch endpoint.
var VulnsearchColumns = ColumnMap{
	"Vulnsearch.address": "h.address",
	"Vulnsearch.cpe":     "h.cpe",
	"Vulnsearch.cve_id":  "h.cve_id",
	"Vulnsearch.cvss":    "h.cvss",
}

// CompileFilter translates a parsed filter expression into a SQL WHERE
// fragment with positional args starting at startArg.
func CompileFilter(expr filter.Expression, columns ColumnMap, startArg int) (string, []any, error) {
	c := &compiler{columns: columns, argIdx: startArg}
	where, err := c.compile(expr)
	if err != nil {
		return "", nil, err
	}
	return where, c.args, nil
}

type compiler struct {
	columns ColumnMap
	argIdx  int
	args    []any
}

func (c *compiler) compile(expr filter.Expression) (string, error) {
	switch node := expr.(type) {
	case *filter.Or:
		return c.compileJunction(node.Terms, " OR ")
	case *filter.And:
		return c.compileJunction(node.Factors, " AND ")
	case *filter.Criterion:
		return c.compileCriterion(node)
	}
	return "", fmt.Errorf("unknown filter node %T", expr)
}

func (c *compiler) compileJunction(parts []filter.Expression, sep string) (string, error) {
	var compiled []string
	for _, part := range parts {
		sql, err := c.compile(part)
		if err != nil {
			return "", err
		}
		compiled = append(compiled, sql)
	}
	return "(" + strings.Join(compiled, sep) + ")", nil
}

func (c *compiler) compileCriterion(criterion *filter.Criterion) (string, error) {
	column, ok := c.columns[criterion.Model+"."+criterion.Field]
	if !ok {
		return "", fmt.Errorf("invalid filter column %s.%s", criterion.Model, criterion.Field)
	}

	switch criterion.Op {
	case "==":
		return fmt.Sprintf("%s = %s", column, c.arg(criterion.Value)), nil
	case "!=":
		return fmt.Sprintf("%s != %s", column, c.arg(criterion.Value)), nil
	case ">", "<", ">=", "<=":
		return fmt.Sprintf("%s %s %s", column, criterion.Op, c.arg(criterion.Value)), nil
	case "ilike":
		return fmt.Sprintf("%s ILIKE %s", column, c.arg(criterion.Value)), nil
	case "is_null":
		return fmt.Sprintf("%s IS NULL", column), nil
	case "is_not_null":
		return fmt.Sprintf("%s IS NOT NULL", column), nil
	case "any":
		return fmt.Sprintf("%s = ANY(%s)", c.arg(criterion.Value), column), nil
	case "not_all":
		return fmt.Sprintf("NOT (%s @> ARRAY[%s])", column, c.arg(criterion.Value)), nil
	}
	return "", fmt.Errorf("invalid filter operator %q", criterion.Op)
}

func (c *compiler) arg(value string) string {
	c.args = append(c.args, value)
	placeholder := fmt.Sprintf("$%d", c.argIdx)
	c.argIdx++
	return placeholder
}
