// Copyright 2026 The Matrix Secretary Authors
// SPDX-License-Identifier: Apache-2.0

// Package bot is the command front end of the secretary: a Matrix
// /sync long-poll loop that listens for prefixed commands in the rooms
// the bot has joined, dispatches them to the reconciliation core, and
// replies with notices in the same room.
//
// Commands (default prefix "!sec"):
//
//	help                     show the command list
//	list                     list stored policies
//	show <policy>            print a stored policy document
//	add <url>                download a policy JSON document and store it
//	ensure <policy>          reconcile one policy
//	ensure-all               reconcile every stored policy
//	rm <policy> [--rooms]    forget a policy's bindings (--rooms also
//	                         deletes the rooms)
//	clear                    delete abandoned rooms
//	clear-all                delete every room except the maintenance room
//	set-maintenance-room     mark this room as the maintenance room
//	load-examples            install the built-in example policies
package bot
