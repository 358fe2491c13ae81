// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Mediavault is the operator command for the storage engine. It opens
// the devices named in the configuration file and drives the label,
// spool and block layers directly:
//
//	mediavault [--config path] label --device D --volume V --pool P
//	mediavault [--config path] show-label --device D [--volume V]
//	mediavault [--config path] write --device D --volume V --job N file...
//	mediavault [--config path] read --device D --volume V [--output dir]
//	mediavault [--config path] chunks --device D --volume V
//	mediavault [--config path] media [--pool P]
//
// Without --config the file named by MEDIAVAULT_CONFIG is used. Logs
// go to stderr as text on a terminal and JSON otherwise.
package main
