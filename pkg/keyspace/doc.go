/*
Package keyspace maps logical identities to the composite keys of the
single Floodgate table.

Every record of every namespace lives in one wide-column table addressed by
a partition key (PK) and a sort key (SK). All tenant-owned partition keys
begin with the tenant's namespace id followed by '/', which is what makes
two namespaces unable to collide no matter what entity or resource names
they pick.

Layout:

	PK                          SK                          record
	<ns>/ENTITY#<entity-id>     #META                       entity
	<ns>/ENTITY#<entity-id>     #CONFIG#<resource>          per-entity limits
	<ns>/ENTITY#<entity-id>     BUCKET#<resource>#<limit>   live bucket
	<ns>/ENTITY#<entity-id>     #USAGE#<resource>#<window>  usage snapshot
	<ns>/RESOURCE#<resource>    #CONFIG                     per-resource limits
	<ns>/SYSTEM#                #CONFIG                     system defaults
	NAMESPACE#                  NAME#<name>                 name -> id
	NAMESPACE#                  ID#<id>                     id presence

Three secondary indexes exist: parent-index (parent -> children),
resource-index (resource -> usage items, consumed by the external
aggregator) and entity-config-index (entity -> its per-resource configs).

All builders are total pure functions; parsers recover the logical parts
from stored keys.
*/
package keyspace
