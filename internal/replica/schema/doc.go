// Package schema defines the object model shared by the local store, the
// change journal and the sync protocol.
//
// # Overview
//
// A Schema is a set of classes. Each class has typed properties and an
// optional primary key. Properties are either scalars (string, int, float,
// bool, date) or links:
//
//   - object - to-one link holding the target's ID
//   - list - ordered to-many link holding target IDs
//   - linkingObjects - computed inverse of a link in another class
//
// Schemas are written as YAML modules:
//
//	classes:
//	  - name: Car
//	    primaryKey: carId
//	    properties:
//	      - {name: carId, type: int}
//	      - {name: carOwners, type: list, objectType: Owner}
//	  - name: Owner
//	    primaryKey: ownerId
//	    properties:
//	      - {name: ownerId, type: int}
//	      - {name: ownerCars, type: linkingObjects, objectType: Car, property: carOwners}
//
// # Inverse Relationships
//
// A linkingObjects property is never written directly. Adding an Owner to a
// Car's carOwners list changes the Owner's ownerCars as well, and the change
// journal reports that Owner as modified. Inverses(class, field) answers which
// linkingObjects properties a given link feeds.
//
// # Values
//
// Object.Fields holds normalized Go values:
//
//   - string -> string
//   - int -> int64
//   - float -> float64
//   - bool -> bool
//   - date -> RFC3339Nano string in UTC
//   - object -> target ID string, or nil
//   - list, linkingObjects -> []string of target IDs
//
// Object IDs are strings. A class with an int primary key uses the decimal
// form of the key; a class without a primary key gets a generated UUID.
package schema
