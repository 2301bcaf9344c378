package deleter

// Table describes one user data table that custodian owns deletion for
type Table struct {
	Name           string   // schema qualified name
	SelectorColumn string   // column that identifies the owning user
	Limit          int      // max rows per delete statement, 0 means unlimited
	IndexColumns   []string // key columns to use when the table has no declared primary key
	Cascade        string   // dependent table sharing the same key columns, deleted after
	PremiumOnly    bool     // only populated for premium accounts
}

// UserTables is every table that holds per-user rows which must be erased when an account
// is closed. Order is not significant, each table is an independent unit of work.
var UserTables = []Table{
	{Name: "public.saves", SelectorColumn: "user_id", Limit: 5000, Cascade: "public.saves_meta"},
	{Name: "public.saved_item_tags", SelectorColumn: "user_id", Limit: 1000, IndexColumns: []string{"user_id", "item_id", "tag"}},
	{Name: "public.annotations", SelectorColumn: "user_id", Limit: 1000, PremiumOnly: true},
	{Name: "public.shareable_lists", SelectorColumn: "user_id"},
	{Name: "public.shareable_list_items", SelectorColumn: "user_id", Limit: 1000},
	{Name: "public.search_history", SelectorColumn: "user_id", Limit: 500, IndexColumns: []string{"user_id", "searched_at"}},
	{Name: "public.user_recommendations", SelectorColumn: "user_id", IndexColumns: []string{"user_id", "item_id"}},
}

// TableFor returns the registered table with the given name, or a bare entry if the name
// arrived on a job we no longer have registered (limits then default to unlimited).
func TableFor(name string) Table {
	for _, t := range UserTables {
		if t.Name == name {
			return t
		}
	}
	return Table{Name: name}
}
