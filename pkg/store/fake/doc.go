/*
Package fake provides an in-memory DynamoDB for tests.

It implements the store.DynamoAPI interface closely enough for the
gateway's traffic: conditional single-item puts, all-or-nothing
transactions with per-item condition expressions and cancellation reasons,
batch gets, and key-condition queries on the table and its secondary
indexes. FailNext injects errors per operation to exercise retry and
fail-open paths.

It is not a general DynamoDB emulator; it only evaluates the expression
grammar the gateway actually emits.
*/
package fake
