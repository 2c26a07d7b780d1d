/*
 *
 * Copyright 2023 CubeFS authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

/*

# ItemDB: bundle persistence and journal clustering for hierarchical item stores

## Data Model

* Workspace, an independent tree of nodes rooted at a well known root node.

* Node, id (uuid) --> primary type, mixins, parent, ordered child entries, property names

* Property, <node id, name> --> typed values; large values live in the blob store

* Bundle, a node together with all its properties, stored as one file

* References, target node --> the reference properties pointing at it

## Architecture

* Persistence, one bundle file per node below a path derived from the node id,
  with an LRU bundle cache and a consistency checker

* Journal, a totally ordered log of change records with an exclusive append
  lock; memory, file, rocksdb and remote (gRPC, cmd/journald) backends

* Cluster node, replays other members' records into the local workspaces and
  turns local changes into records in three phases

* Importer, applies a node stream to a workspace as one batch with uuid
  collision policies and reference fix-up

## Building Blocks

* gRPC
* Rocksdb
* Prometheus
* msgpack

*/

package itemdb
