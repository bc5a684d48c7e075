package phoenix

var ReasonFor = reasonFor
