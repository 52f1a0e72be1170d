// Copyright 2021 Converter Systems LLC. All rights reserved.

package ua

// Variant holds any one of the OPC UA built-in data types (Boolean,
// integers, Float, String, NodeID, ...) or an array of them. The address
// space and the ~2000 generated DTOs this core treats as mechanical
// (spec.md §1) decide which concrete Go type rides inside; DataValue and
// the service DTOs only need to carry it opaquely.
type Variant interface{}
