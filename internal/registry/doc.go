// Package registry holds typed application settings in memory and keeps them
// in sync with a storage.Table.
//
// A Registry starts unconfigured. Configure binds it to a table and the
// columns holding the key, the stored text and the format tag. Load and Reload
// replace the whole cache from the table, Set and Flush change it in memory,
// and Save writes every cached entry back as an update or insert.
//
// Table I/O never runs under the registry lock: reads are fetched into a
// private map and swapped in, writes work from a snapshot of the cache.
package registry
