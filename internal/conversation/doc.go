// Package conversation defines the records shared by the memory tiers,
// the exemplar retriever and the feedback workflow.
//
// A Record is one question/answer exchange. It is created unrated and
// moves to rated exactly once:
//
//	CREATED --(feedback)--> RATED
//
// Improved answers are only ever attached in that same transition.
package conversation
