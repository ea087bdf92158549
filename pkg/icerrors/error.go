// Copyright 2025 The Icewire Authors, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package icerrors

import "errors"

var (
	ErrNoComponents       = errors.New("component count must be at least 1")
	ErrNoLocalAddresses   = errors.New("no usable local addresses")
	ErrAlreadyStarted     = errors.New("agent already started")
	ErrNotStarted         = errors.New("agent not started")
	ErrStopped            = errors.New("agent stopped")
	ErrMissingCredentials = errors.New("remote credentials not set")
	ErrConfigFrozen       = errors.New("configuration cannot change after start")
	ErrComponentRange     = errors.New("component index out of range")
	ErrNoPendingDatagram  = errors.New("no pending datagram")
	ErrTransactionTimeout = errors.New("stun transaction timed out")
	ErrTransactionReject  = errors.New("stun request rejected")
	ErrRoleConflict       = errors.New("ice role conflict")
	ErrProtocol           = errors.New("malformed stun message")
	ErrPoolClosed         = errors.New("transaction pool closed")
	ErrChecklistExhausted = errors.New("all candidate pairs failed")
	ErrConsentExpired     = errors.New("no traffic on selected pair within consent timeout")
	ErrServerNotFound     = errors.New("cannot resolve stun or turn server")
)
