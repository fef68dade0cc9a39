// utils.go - Miscellaneous utilities.
// Copyright (C) 2025  The torlite authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package utils provides miscellaneous utilities.
package utils

// ExplicitBzero explicitly clears out the buffer b, by filling it with 0x00
// bytes.
func ExplicitBzero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// CtIsZero returns true iff the buffer b is all 0x00, doing the check in
// constant time.
func CtIsZero(b []byte) bool {
	var sum byte
	for _, v := range b {
		sum |= v
	}
	return sum == 0
}
