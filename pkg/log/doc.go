/*
Package log provides structured logging for Floodgate using zerolog.

The package wraps a single global logger configured once via Init. Library
packages derive child loggers with WithComponent / WithNamespace /
WithEntityID so that every event carries the context of the limiter call
that produced it. Output defaults to stderr; applications embedding the
library can point it anywhere via Config.Output.

The hot acquire path logs nothing at info level. Fail-open decisions,
exhausted retry budgets and store connectivity problems are the only events
worth a line in production.
*/
package log
