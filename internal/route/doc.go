// Package route decides where a connection goes.
//
// Rules come from two ordered maps, upstream -> domain patterns and
// upstream -> application name fragments. Domain rules are consulted first,
// then application rules; the first match in configuration order wins and
// anything unmatched goes direct. Resolution is a pure function of the
// compiled rule set and its inputs.
package route
