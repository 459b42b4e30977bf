/*
Package odb implements an embedded object database that keeps rows of Go
structs in ordered in-memory indexes backed by durable files, and upgrades
stored data when the struct definitions evolve.

We implement:

1. Tables of rows marshaled from a given struct, keyed by one of its fields.

2. Indices, ordered projections of rows onto custom keys, queried by exact
key or by range in either direction.

3. Transactions, which lock a set of tables for reading or writing and stage
every change in memory until the transaction commits.

# Technical Details

**Binary encoding.**
Every value is written with a type id (int16) in front unless the slot is
statically typed. Ids below 1000 are built in; applications register their
own types with RegisterType. See Writer and Reader.

**Type descriptors.**
Each struct type gets a descriptor: an ordered list of members, each with
a numeric id, a name and a type. Ids are assigned on first sight and never
reused, so a descriptor persisted years ago can still be matched against the
current struct. Members that no longer exist become orphans; their values
are skipped when reading. The descriptor is hashed with murmur3, and the
hash and the descriptor itself are stored in the table header.

**Table storage.**
A table is two blobs: the key image and the data region. The data region is
append-only and holds record envelopes: a compression method byte, a 32-bit
xxh3 checksum and the encoded row. Compacting the table writes a new data generation.

**Key image.**
Replaced as a whole on every commit:
1. Header: signature, format version, descriptor hash and blob, properties.
2. Sections, each a tag byte, the payload as varbytes, and an xxhash of the
payload: the msgpack manifest, the primary index (key, sequence, offset and
size of every record), and one section per index (index key and primary key
of every entry).

Index sections that fail to decode, or whose key type changed, are rebuilt
from the rows on load.

**Index ordinals.**
We assign a unique positive integer ordinal to each index. These values are
never reused, even if an index is removed.
*/
package odb
