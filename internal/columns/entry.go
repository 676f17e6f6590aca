// Package columns maps logical (property, type, table) triples to the
// physical columns a query must read.
//
// Frequently-filtered JSON properties are materialized into their own
// columns. The Registry caches the materialized-column catalog per table with
// a TTL; a Snapshot freezes it for one compile pass; an Optimizer answers
// column questions against one Snapshot.
package columns

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/roach88/cohortc/internal/filter"
)

// Logical tables.
const (
	TableEvents = "events"
	TablePerson = "person"
	TableGroups = "groups"
)

// ShardedEvents is the storage table whose materialized columns apply to
// events in a replicated deployment.
const ShardedEvents = "sharded_events"

// JSON blob columns.
const (
	ColumnProperties       = "properties"
	ColumnPersonProperties = "person_properties"
	ColumnGroupProperties  = "group_properties"
	ColumnElementsChain    = "elements_chain"
)

// GroupPropertiesColumn is the denormalized group blob on events.
func GroupPropertiesColumn(groupTypeIndex int) string {
	return fmt.Sprintf("group%d_properties", groupTypeIndex)
}

// Entry is one materialized column.
type Entry struct {
	Table          string `json:"table" yaml:"table"`
	TableColumn    string `json:"table_column" yaml:"table_column"`
	PropertyName   string `json:"property_name" yaml:"property_name"`
	ColumnName     string `json:"column_name" yaml:"column_name"`
	IsNullable     bool   `json:"is_nullable" yaml:"is_nullable"`
	HasMinMaxIndex bool   `json:"has_minmax_index" yaml:"has_minmax_index"`
}

// Key identifies an entry within one table.
type Key struct {
	TableColumn  string
	PropertyName string
}

// Key returns the entry's key.
func (e Entry) Key() Key {
	return Key{TableColumn: e.TableColumn, PropertyName: e.PropertyName}
}

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidIdentifier reports whether name may be spliced into SQL as a column
// identifier.
func ValidIdentifier(name string) bool {
	return identPattern.MatchString(name)
}

var nonIdentChars = regexp.MustCompile(`[^0-9a-z_]`)

var shortTableColumn = map[string]string{
	ColumnPersonProperties: "pp",
	ColumnGroupProperties:  "gp",
}

// MaterializedName returns the conventional column name for a property:
// "mat_" (or "pmat_" on the person table), a short prefix for non-default
// blob columns, then the lower-cased property with a leading "$" dropped and
// other non-identifier characters replaced by "_".
//
//	MaterializedName("events", "properties", "$browser")        == "mat_browser"
//	MaterializedName("events", "person_properties", "Email")    == "mat_pp_email"
//	MaterializedName("person", "properties", "$initial_os")     == "pmat_initial_os"
func MaterializedName(table, tableColumn, property string) string {
	prefix := "mat_"
	if table == TablePerson {
		prefix = "pmat_"
	}
	if short, ok := shortTableColumn[tableColumn]; ok {
		prefix += short + "_"
	} else if strings.HasPrefix(tableColumn, "group") && tableColumn != ColumnGroupProperties {
		prefix += strings.TrimSuffix(tableColumn, "_properties") + "_"
	}
	name := strings.TrimPrefix(strings.ToLower(property), "$")
	return prefix + nonIdentChars.ReplaceAllString(name, "_")
}

// TableColumnFor returns the blob column that stores a property of the given
// type on a logical table. ok is false when the table does not carry that
// property type.
func TableColumnFor(table string, propType filter.PropertyType, groupTypeIndex *int) (column string, ok bool) {
	switch table {
	case TableEvents, ShardedEvents:
		switch propType {
		case filter.TypeEvent:
			return ColumnProperties, true
		case filter.TypePerson:
			return ColumnPersonProperties, true
		case filter.TypeGroup:
			if groupTypeIndex == nil {
				return "", false
			}
			return GroupPropertiesColumn(*groupTypeIndex), true
		}
	case TablePerson:
		if propType == filter.TypePerson {
			return ColumnProperties, true
		}
	case TableGroups:
		if propType == filter.TypeGroup {
			return ColumnGroupProperties, true
		}
	}
	return "", false
}

// StorageTable resolves the table whose materialized columns apply to a
// logical table.
func StorageTable(table string, replicated bool) string {
	if replicated && table == TableEvents {
		return ShardedEvents
	}
	return table
}
