/*
Package favourites fetches saved cook presets from the account API and
resolves them into commands the correlator can send.

Resolution flattens the deeply nested preset record into a flat command
body (recipe, target temperature, preheat, cook timer) and mints a fresh
cook session id per run.
*/
package favourites
